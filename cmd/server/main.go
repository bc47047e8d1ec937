package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"

	"github.com/flicknest/realtime/pkg/server"
	"github.com/flicknest/realtime/pkg/types"
)

func main() {
	godotenv.Load()

	addr := envOr("RT_ADDR", ":8080")
	hub := server.NewHub(types.Config{
		Compression: os.Getenv("RT_COMPRESSION"),
	})

	// acknowledge joins with a tiny roster payload
	hub.Handle(types.EventUserJoined, func(namespace string, ev types.Event) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"namespace": namespace,
			"online":    hub.ClientCount(namespace),
		})
	})

	// fan community activity back out to everyone in the namespace
	hub.OnEvent(func(namespace string, ev types.Event) {
		hub.Broadcast(namespace, ev)
	})

	go func() {
		if err := hub.Start(addr); err != nil && err != http.ErrServerClosed {
			logs.Errorf("hub start failed: %v", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-statusTicker.C:
			stats := hub.Stats()
			logs.Infof("hub status - clients: %d, sent: %d, received: %d, dropped: %d",
				hub.ClientCount(""), stats.MessagesSent, stats.MessagesReceived, stats.DroppedEvents)
		case sig := <-sigCh:
			logs.Infof("received %v, shutting down", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := hub.Shutdown(ctx); err != nil {
				logs.Errorf("hub shutdown: %v", err)
			}
			return
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
