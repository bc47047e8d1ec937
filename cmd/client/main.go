package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"

	"github.com/flicknest/realtime/pkg/session"
	"github.com/flicknest/realtime/pkg/types"
)

func main() {
	godotenv.Load()

	cfg := types.Config{
		BaseURL:     envOr("RT_BASE_URL", "ws://localhost:8080/rt"),
		Namespace:   envOr("RT_NAMESPACE", "/community"),
		Compression: os.Getenv("RT_COMPRESSION"),
		Debug:       os.Getenv("RT_DEBUG") != "",
	}

	sess := session.New(cfg)

	for _, name := range []types.EventName{
		types.EventDiscussionCreated,
		types.EventDiscussionLiked,
		types.EventDiscussionUpdated,
		types.EventReplyCreated,
		types.EventReplyLiked,
		types.EventUserJoined,
	} {
		name := name
		sess.AddListener(name, func(ev types.Event) {
			logs.Infof("%s: %s", name, string(ev.Payload))
		})
	}

	sess.AddListener(types.EventConnectError, func(ev types.Event) {
		logs.Errorf("connect error: %s", string(ev.Payload))
	})
	sess.AddListener(types.EventReconnectFailed, func(ev types.Event) {
		logs.Errorf("gave up reconnecting; call Connect to retry")
	})

	sess.Connect("")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := sess.WaitForConnection(ctx); err != nil {
		cancel()
		logs.Errorf("could not connect: %v", err)
		os.Exit(1)
	}
	cancel()
	logs.Infof("connected to %s", sess.Namespace())

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	roster, err := sess.EmitWithAck(ackCtx, types.EventUserJoined, map[string]string{"user": "demo"})
	ackCancel()
	if err != nil {
		logs.Errorf("join ack: %v", err)
	} else {
		logs.Infof("joined: %s", string(roster))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sess.Emit(types.EventDiscussionLiked, map[string]any{
				"id": time.Now().Unix(),
			})
			logs.Infof("state=%s latency=%s queued=%d",
				sess.State(), sess.Latency(), sess.QueuedEmits())
		case sig := <-sigCh:
			logs.Infof("received %v, disconnecting", sig)
			sess.Disconnect()
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
