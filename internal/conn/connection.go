package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/flicknest/realtime/internal/compression"
	"github.com/flicknest/realtime/internal/errs"
	"github.com/flicknest/realtime/internal/protocol"
	"github.com/flicknest/realtime/internal/utils"
)

const defaultWriteTimeout = 10 * time.Second

// Options configures a single transport connection.
type Options struct {
	URL              string
	Headers          map[string]string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // zero disables read deadlines
	WriteTimeout     time.Duration
	SendBuffer       int
	Compressor       compression.Compressor
	Reporter         *errs.Reporter
}

// Connection is one live WebSocket transport. Outbound envelopes go through
// a bounded send queue drained by the write pump; inbound frames are decoded
// on the read pump and handed to the envelope callback. A fresh Connection is
// created for every dial so stale handlers never accumulate.
type Connection struct {
	ws         *websocket.Conn
	opts       Options
	compressor compression.Compressor
	reporter   *errs.Reporter

	id        string
	sendq     chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	closeErr  atomic.Error

	onEnvelope func(*protocol.Envelope)
	onClosed   func(*Connection, error)
}

// Dial establishes a new transport connection. The handshake is bounded by
// both the context and the configured handshake timeout.
func Dial(ctx context.Context, opts Options) (*Connection, error) {
	if !utils.IsWebSocketURL(opts.URL) {
		return nil, fmt.Errorf("invalid websocket url: %q", opts.URL)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 1
	}
	if opts.Compressor == nil {
		opts.Compressor = compression.NoopCompressor{}
	}
	if opts.Reporter == nil {
		opts.Reporter = errs.NewReporter()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	header := http.Header{}
	for key, value := range opts.Headers {
		header.Set(key, value)
	}

	ws, _, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		ws:         ws,
		opts:       opts,
		compressor: opts.Compressor,
		reporter:   opts.Reporter,
		id:         utils.NewID(),
		sendq:      make(chan *protocol.Envelope, opts.SendBuffer),
		done:       make(chan struct{}),
	}
	c.connected.Store(true)
	return c, nil
}

// Start launches the pump goroutines. onClosed fires exactly once, after the
// transport is torn down for any reason.
func (c *Connection) Start(onEnvelope func(*protocol.Envelope), onClosed func(*Connection, error)) {
	c.onEnvelope = onEnvelope
	c.onClosed = onClosed
	go c.writePump()
	go c.readPump()
}

// Send queues an envelope without blocking.
func (c *Connection) Send(env *protocol.Envelope) error {
	if !c.connected.Load() {
		return errs.ErrNotConnected
	}
	select {
	case c.sendq <- env:
		return nil
	case <-c.done:
		return errs.ErrNotConnected
	default:
		return errs.ErrSendBufferFull
	}
}

// Ping writes a control ping; the peer's pong resets the read deadline.
func (c *Connection) Ping(payload []byte) error {
	if !c.connected.Load() {
		return errs.ErrNotConnected
	}
	return c.ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(5*time.Second))
}

func (c *Connection) writePump() {
	for {
		select {
		case env := <-c.sendq:
			if err := c.writeEnvelope(env); err != nil {
				c.reporter.Report(fmt.Errorf("write envelope: %w", err))
				c.closeWithError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeEnvelope(env *protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		// encoding faults are per-envelope, not connection-fatal
		c.reporter.Report(fmt.Errorf("marshal envelope: %w", err))
		return nil
	}
	data, err = c.compressor.Compress(data)
	if err != nil {
		c.reporter.Report(fmt.Errorf("compress frame: %w", err))
		return nil
	}

	msgType := websocket.TextMessage
	if _, noop := c.compressor.(compression.NoopCompressor); !noop {
		msgType = websocket.BinaryMessage
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(msgType, data)
}

func (c *Connection) readPump() {
	c.resetReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.resetReadDeadline()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.reporter.Report(fmt.Errorf("read frame: %w", err))
			}
			c.closeWithError(err)
			return
		}
		c.resetReadDeadline()

		data, err = c.compressor.Decompress(data)
		if err != nil {
			c.reporter.Report(fmt.Errorf("decompress frame: %w", err))
			continue
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.reporter.Report(err)
			continue
		}
		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}

func (c *Connection) resetReadDeadline() {
	if c.opts.ReadTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if err != nil {
			c.closeErr.Store(err)
		}
		close(c.done)
		c.ws.Close()
		if c.onClosed != nil {
			c.onClosed(c, err)
		}
	})
}

// Close tears the transport down without reporting a fault.
func (c *Connection) Close() {
	c.closeWithError(nil)
}

// Closed returns a channel closed once the connection is torn down.
func (c *Connection) Closed() <-chan struct{} {
	return c.done
}

// Err returns the error the connection terminated with, if any.
func (c *Connection) Err() error {
	return c.closeErr.Load()
}

// IsConnected reports whether the transport is still usable.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}
