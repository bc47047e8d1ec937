// Package server implements the realtime hub the session manager talks to:
// namespace-scoped WebSocket endpoints with acknowledgment and broadcast
// support. The demo binary and the session integration tests run it; the
// production hub lives behind the same wire contract.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
	"go.uber.org/atomic"

	"github.com/flicknest/realtime/internal/compression"
	"github.com/flicknest/realtime/internal/protocol"
	"github.com/flicknest/realtime/internal/utils"
	"github.com/flicknest/realtime/pkg/types"
)

const writeTimeout = 10 * time.Second

// HandlerFunc answers an acknowledged emit. The returned payload becomes the
// ack payload; an error suppresses the ack and the client times out.
type HandlerFunc func(namespace string, ev types.Event) (json.RawMessage, error)

// EventFunc observes every application event that reaches the hub.
type EventFunc func(namespace string, ev types.Event)

// Hub accepts session connections grouped by namespace.
type Hub struct {
	cfg        types.Config
	compressor compression.Compressor
	engine     *gin.Engine
	upgrader   websocket.Upgrader
	server     *http.Server

	mu       sync.RWMutex
	conns    map[string]*client
	handlers map[types.EventName]HandlerFunc
	onEvent  EventFunc

	received atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
}

// NewHub builds a hub with routes mounted; serve it with Start or mount
// Handler on an existing server.
func NewHub(cfg types.Config) *Hub {
	cfg = cfg.WithDefaults()
	gin.SetMode(gin.ReleaseMode)

	h := &Hub{
		cfg:        cfg,
		compressor: compression.GetCompressor(cfg.Compression),
		engine:     gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[string]*client),
		handlers: make(map[types.EventName]HandlerFunc),
	}
	h.engine.Use(gin.Recovery())
	h.engine.GET("/rt/*namespace", h.handleUpgrade)
	return h
}

// Handle registers the ack handler for an event.
func (h *Hub) Handle(event types.EventName, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = fn
}

// OnEvent registers the observer for incoming application events.
func (h *Hub) OnEvent(fn EventFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEvent = fn
}

// Handler exposes the hub as an http.Handler.
func (h *Hub) Handler() http.Handler {
	return h.engine
}

// Start serves the hub on addr and blocks.
func (h *Hub) Start(addr string) error {
	h.server = &http.Server{Addr: addr, Handler: h.engine}
	logs.Infof("realtime hub listening on %s", addr)
	return h.server.ListenAndServe()
}

// Shutdown closes every connection and stops the listener.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.DisconnectAll("")
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *Hub) handleUpgrade(c *gin.Context) {
	namespace := utils.NormalizeNamespace(c.Param("namespace"))
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logs.Errorf("upgrade failed on %s: %v", namespace, err)
		return
	}

	cl := &client{
		hub:       h,
		ws:        ws,
		id:        utils.NewID(),
		namespace: namespace,
		send:      make(chan []byte, h.cfg.SendBufferSize),
		done:      make(chan struct{}),
	}
	h.addClient(cl)
	logs.Infof("client %s joined %s", cl.id, namespace)

	go cl.writePump()
	go cl.readPump()
}

func (h *Hub) addClient(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[cl.id] = cl
}

func (h *Hub) removeClient(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, cl.id)
}

// Broadcast sends an event to every connection in the namespace; an empty
// namespace addresses all connections.
func (h *Hub) Broadcast(namespace string, ev types.Event) {
	if namespace != "" {
		namespace = utils.NormalizeNamespace(namespace)
	}
	for _, cl := range h.clients(namespace) {
		cl.sendEnvelope(&protocol.Envelope{Event: ev.Name, Payload: ev.Payload})
	}
}

// DisconnectAll closes every connection in the namespace ("" for all).
func (h *Hub) DisconnectAll(namespace string) {
	if namespace != "" {
		namespace = utils.NormalizeNamespace(namespace)
	}
	for _, cl := range h.clients(namespace) {
		cl.close()
	}
}

// ClientCount reports connections in the namespace ("" for all).
func (h *Hub) ClientCount(namespace string) int {
	if namespace != "" {
		namespace = utils.NormalizeNamespace(namespace)
	}
	return len(h.clients(namespace))
}

func (h *Hub) clients(namespace string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.conns))
	for _, cl := range h.conns {
		if namespace == "" || cl.namespace == namespace {
			out = append(out, cl)
		}
	}
	return out
}

// Stats summarizes hub traffic counters.
func (h *Hub) Stats() types.Stats {
	return types.Stats{
		MessagesSent:     h.sent.Load(),
		MessagesReceived: h.received.Load(),
		DroppedEvents:    h.dropped.Load(),
	}
}

func (h *Hub) ackHandler(event types.EventName) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[event]
	return fn, ok
}

func (h *Hub) observer() EventFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onEvent
}

// client is one hub-side connection.
type client struct {
	hub       *Hub
	ws        *websocket.Conn
	id        string
	namespace string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (cl *client) readPump() {
	defer func() {
		cl.close()
		cl.hub.removeClient(cl)
		logs.Infof("client %s left %s", cl.id, cl.namespace)
	}()

	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		data, err = cl.hub.compressor.Decompress(data)
		if err != nil {
			logs.Errorf("client %s: decompress: %v", cl.id, err)
			continue
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			logs.Errorf("client %s: %v", cl.id, err)
			continue
		}
		cl.hub.received.Inc()
		cl.handleEnvelope(env)
	}
}

func (cl *client) handleEnvelope(env *protocol.Envelope) {
	if env.Ack {
		return
	}

	// heartbeats echo straight back so the client can measure latency
	if env.Event == types.EventHeartbeat && env.AckID != "" {
		cl.sendEnvelope(&protocol.Envelope{
			Event:   types.EventHeartbeat,
			Payload: env.Payload,
			AckID:   env.AckID,
			Ack:     true,
		})
		return
	}

	ev := types.Event{Name: env.Event, Payload: env.Payload}
	if env.AckID != "" {
		if fn, ok := cl.hub.ackHandler(env.Event); ok {
			payload, err := fn(cl.namespace, ev)
			if err != nil {
				logs.Errorf("handler for %q: %v", env.Event, err)
			} else {
				cl.sendEnvelope(&protocol.Envelope{
					Event:   env.Event,
					Payload: payload,
					AckID:   env.AckID,
					Ack:     true,
				})
			}
		}
		// unhandled ack requests stay unanswered; the client times out
	}

	if fn := cl.hub.observer(); fn != nil {
		fn(cl.namespace, ev)
	}
}

func (cl *client) sendEnvelope(env *protocol.Envelope) {
	data, err := protocol.Marshal(env)
	if err != nil {
		logs.Errorf("marshal envelope: %v", err)
		return
	}
	data, err = cl.hub.compressor.Compress(data)
	if err != nil {
		logs.Errorf("compress frame: %v", err)
		return
	}
	select {
	case cl.send <- data:
	case <-cl.done:
	default:
		cl.hub.dropped.Inc()
	}
}

func (cl *client) writePump() {
	msgType := websocket.TextMessage
	if _, noop := cl.hub.compressor.(compression.NoopCompressor); !noop {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case data := <-cl.send:
			cl.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.ws.WriteMessage(msgType, data); err != nil {
				cl.close()
				return
			}
			cl.hub.sent.Inc()
		case <-cl.done:
			return
		}
	}
}

func (cl *client) close() {
	cl.closeOnce.Do(func() {
		close(cl.done)
		cl.ws.Close()
	})
}
