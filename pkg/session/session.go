// Package session implements the realtime session manager: one live
// connection to a namespace on the realtime hub, with automatic reconnection,
// an outbound queue that survives disconnect windows, buffered inbound
// dispatch, and acknowledged emits.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/yanun0323/logs"
	"go.uber.org/atomic"

	"github.com/flicknest/realtime/internal/compression"
	"github.com/flicknest/realtime/internal/conn"
	"github.com/flicknest/realtime/internal/errs"
	"github.com/flicknest/realtime/internal/protocol"
	"github.com/flicknest/realtime/internal/utils"
	"github.com/flicknest/realtime/pkg/types"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const heartbeatTimeout = 5 * time.Second

// DialFunc establishes a transport connection. Tests substitute their own.
type DialFunc func(ctx context.Context, url string, cfg types.Config) (*conn.Connection, error)

// Option customizes a Session at construction.
type Option func(*Session)

// WithScheduler replaces the flush scheduler.
func WithScheduler(sch Scheduler) Option {
	return func(s *Session) { s.scheduler = sch }
}

// WithDialer replaces the transport dialer.
func WithDialer(d DialFunc) Option {
	return func(s *Session) { s.dial = d }
}

// Session owns one logical connection to the realtime hub. It is built
// explicitly with its configuration and passed to consumers by reference;
// all methods are safe for concurrent use.
type Session struct {
	cfg        types.Config
	codec      protocol.Codec
	compressor compression.Compressor
	scheduler  Scheduler
	dial       DialFunc
	reporter   *errs.Reporter

	listeners *listenerRegistry
	queue     *emitQueue
	buffer    *eventBuffer

	mu          sync.Mutex
	state       types.State
	conn        *conn.Connection
	namespace   string
	manual      bool
	lastErr     error
	connectedCh chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	hbStop      chan struct{}
	flushCancel func()

	attempts     atomic.Int32
	latency      atomic.Duration
	flushPending atomic.Bool

	ackMu sync.Mutex
	acks  map[string]*pendingAck

	sent          atomic.Int64
	received      atomic.Int64
	droppedEmits  atomic.Int64
	droppedEvents atomic.Int64
	reconnects    atomic.Int64
}

// New builds a disconnected session. Call Connect to go live.
func New(cfg types.Config, opts ...Option) *Session {
	cfg = cfg.WithDefaults()
	s := &Session{
		cfg:         cfg,
		codec:       protocol.GetCodec(cfg.Codec),
		compressor:  compression.GetCompressor(cfg.Compression),
		scheduler:   timerScheduler{},
		reporter:    errs.NewReporter(),
		listeners:   newListenerRegistry(),
		queue:       newEmitQueue(cfg.MaxQueuedEmits),
		buffer:      newEventBuffer(cfg.EventBufferSize),
		namespace:   utils.NormalizeNamespace(cfg.Namespace),
		connectedCh: make(chan struct{}),
		acks:        make(map[string]*pendingAck),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		s.dial = s.transportDial
	}
	s.reporter.Subscribe(func(err error) {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.debugf("transport fault: %v", err)
	})
	return s
}

func (s *Session) transportDial(ctx context.Context, url string, cfg types.Config) (*conn.Connection, error) {
	return conn.Dial(ctx, conn.Options{
		URL:              url,
		Headers:          cfg.Headers,
		HandshakeTimeout: cfg.ConnectTimeout,
		ReadTimeout:      3 * cfg.HeartbeatInterval,
		SendBuffer:       cfg.SendBufferSize,
		Compressor:       s.compressor,
		Reporter:         s.reporter,
	})
}

// Connect goes live on the given namespace (the configured default when
// empty). It never blocks on the network: success and failure surface as
// connect / connect_error notifications, or via WaitForConnection. Calling
// it while a connect is in flight is a no-op; calling it while connected to
// a different namespace tears the transport down and redials, keeping every
// listener registration.
func (s *Session) Connect(namespace string) {
	if namespace == "" {
		namespace = s.cfg.Namespace
	}
	namespace = utils.NormalizeNamespace(namespace)

	s.mu.Lock()
	switch s.state {
	case types.StateConnecting:
		s.mu.Unlock()
		return
	case types.StateConnected:
		if s.namespace == namespace {
			s.mu.Unlock()
			return
		}
	}
	old := s.detachLocked()
	if s.state == types.StateConnected {
		s.connectedCh = make(chan struct{})
	}
	s.state = types.StateConnecting
	s.namespace = namespace
	s.manual = false
	s.attempts.Store(0)
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go s.establish(ctx, namespace)
}

// establish performs the first dial and falls back to the bounded retry loop.
func (s *Session) establish(ctx context.Context, namespace string) {
	err := s.dialOnce(ctx, namespace)
	if err == nil {
		return
	}
	s.noteConnectError(err)
	s.retryLoop(ctx, namespace)
}

func (s *Session) retryLoop(ctx context.Context, namespace string) {
	rec := conn.NewReconnector(s.backoff(), s.cfg.MaxRetries, &s.attempts)
	rec.OnAttempt = func(attempt int) {
		s.reconnects.Inc()
		s.debugf("reconnect attempt %d/%d on %s", attempt, s.cfg.MaxRetries, namespace)
		s.dispatch(types.Event{
			Name:    types.EventReconnectAttempt,
			Payload: jsonPayload(map[string]int{"attempt": attempt}),
		})
	}
	rec.OnExhausted = func() {
		s.mu.Lock()
		s.state = types.StateDisconnected
		s.lastErr = errs.ErrRetriesExhausted
		s.mu.Unlock()
		logs.Errorf("reconnect attempts exhausted after %d tries on %s", s.cfg.MaxRetries, namespace)
		s.dispatch(types.Event{Name: types.EventReconnectFailed})
	}
	rec.Run(ctx, func(ctx context.Context) error {
		err := s.dialOnce(ctx, namespace)
		if err != nil {
			s.noteConnectError(err)
		}
		return err
	})
}

// dialOnce dials and, on success, installs the connection and starts the
// connected-side machinery. A nil return with a superseded session (manual
// disconnect or namespace switch mid-dial) discards the socket quietly.
func (s *Session) dialOnce(ctx context.Context, namespace string) error {
	url := utils.EndpointURL(s.cfg.BaseURL, namespace)
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	c, err := s.dial(dctx, url, s.cfg)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", errs.ErrConnectTimeout, err)
		}
		return err
	}

	s.mu.Lock()
	if s.manual || s.state != types.StateConnecting || s.namespace != namespace {
		s.mu.Unlock()
		c.Close()
		return nil
	}
	s.conn = c
	s.state = types.StateConnected
	s.lastErr = nil
	s.attempts.Store(0)
	close(s.connectedCh)
	hbStop := make(chan struct{})
	s.hbStop = hbStop
	s.mu.Unlock()

	c.Start(s.handleEnvelope, s.handleClosed)
	s.debugf("connected to %s (conn %s)", url, c.ID())
	s.dispatch(types.Event{Name: types.EventConnect})
	go s.heartbeatLoop(c, hbStop)
	go s.flushEmitQueue(c)
	return nil
}

// handleClosed runs when the live transport dies underneath us.
func (s *Session) handleClosed(c *conn.Connection, err error) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stopHeartbeatLocked()
	s.connectedCh = make(chan struct{})
	if s.manual {
		s.state = types.StateDisconnected
		s.mu.Unlock()
		return
	}
	s.state = types.StateConnecting
	if err != nil {
		s.lastErr = err
	}
	ctx := s.ctx
	namespace := s.namespace
	s.mu.Unlock()

	reason := "transport closed"
	if err != nil {
		reason = err.Error()
	}
	s.debugf("connection lost: %s", reason)
	s.dispatch(types.Event{
		Name:    types.EventDisconnect,
		Payload: jsonPayload(map[string]string{"reason": reason}),
	})
	go s.retryLoop(ctx, namespace)
}

// Disconnect tears the session down intentionally: auto-reconnect is
// suppressed, the heartbeat stops, and the outbound queue and any still
// buffered inbound events are discarded. Queued-but-unsent messages are lost;
// listener registrations are kept.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	if s.cancel != nil {
		s.cancel()
		s.ctx, s.cancel = nil, nil
	}
	flushCancel := s.flushCancel
	s.flushCancel = nil
	old := s.detachLocked()
	if s.state == types.StateConnected {
		s.connectedCh = make(chan struct{})
	}
	s.state = types.StateDisconnected
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if flushCancel != nil {
		flushCancel()
	}
	s.flushPending.Store(false)
	if n := s.buffer.clear(); n > 0 {
		s.droppedEvents.Add(int64(n))
	}
	dropped := s.queue.clear()
	for _, e := range dropped {
		if e.ack != nil {
			e.ack.reject(errs.ErrSessionClosed)
		}
	}
	s.rejectAllAcks(errs.ErrSessionClosed)
	s.dispatch(types.Event{
		Name:    types.EventDisconnect,
		Payload: jsonPayload(map[string]string{"reason": "client disconnect"}),
	})
}

// detachLocked unhooks the current transport; the caller closes it after
// releasing the lock.
func (s *Session) detachLocked() *conn.Connection {
	s.stopHeartbeatLocked()
	old := s.conn
	s.conn = nil
	return old
}

func (s *Session) stopHeartbeatLocked() {
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
}

// AddListener registers fn for an event and returns the handle used to
// remove it. Registrations persist across reconnects.
func (s *Session) AddListener(event types.EventName, fn Listener) ListenerID {
	id := s.listeners.reserve()
	s.listeners.insert(event, id, fn)
	return id
}

// RemoveListener drops a registration. Removing the last listener for an
// event removes the event's entry entirely.
func (s *Session) RemoveListener(event types.EventName, id ListenerID) {
	s.listeners.remove(event, id)
}

// Once registers fn to run for the next matching event only.
func (s *Session) Once(event types.EventName, fn Listener) ListenerID {
	id := s.listeners.reserve()
	var once sync.Once
	s.listeners.insert(event, id, func(ev types.Event) {
		once.Do(func() {
			s.listeners.remove(event, id)
			fn(ev)
		})
	})
	return id
}

// Emit sends fire-and-forget. While disconnected the message is queued
// (bounded, oldest dropped first) and a connect is triggered unless one is
// in flight or the session was manually disconnected. Only payload encoding
// errors are returned.
func (s *Session) Emit(event types.EventName, payload any) error {
	raw, err := protocol.EncodePayload(s.codec, payload)
	if err != nil {
		return err
	}
	s.sendOrQueue(&emitEntry{event: event, payload: raw})
	return nil
}

// EmitWithAck sends and waits for the server's acknowledgment. The wait is
// bounded by ctx, or by the configured AckTimeout when ctx carries no
// deadline; either way the clock starts at the call, so an emit queued across
// a disconnect window longer than the deadline times out before it is ever
// flushed. While disconnected the emit queues like Emit and resolves after it
// is flushed and acknowledged.
func (s *Session) EmitWithAck(ctx context.Context, event types.EventName, payload any) (json.RawMessage, error) {
	raw, err := protocol.EncodePayload(s.codec, payload)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AckTimeout)
		defer cancel()
	}

	pa := newPendingAck()
	s.registerAck(pa)
	defer s.unregisterAck(pa.id)

	s.sendOrQueue(&emitEntry{event: event, payload: raw, ack: pa})

	select {
	case res := <-pa.ch:
		return res.payload, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.ErrAckTimeout
		}
		return nil, ctx.Err()
	}
}

func (s *Session) sendOrQueue(e *emitEntry) {
	s.mu.Lock()
	c := s.conn
	connected := s.state == types.StateConnected
	connecting := s.state == types.StateConnecting
	manual := s.manual
	namespace := s.namespace
	s.mu.Unlock()

	if connected && c != nil {
		if err := s.sendEntry(c, e); err == nil {
			return
		}
		// synchronous send failure falls back to the queue
	}
	if evicted := s.queue.push(e); evicted != nil {
		s.droppedEmits.Inc()
		if evicted.ack != nil {
			evicted.ack.reject(errs.ErrQueueOverflow)
		}
	}
	if !connected && !connecting && !manual {
		go s.Connect(namespace)
	}
}

func (s *Session) sendEntry(c *conn.Connection, e *emitEntry) error {
	env := &protocol.Envelope{Event: e.event, Payload: e.payload}
	if e.ack != nil {
		env.AckID = e.ack.id
	}
	if err := c.Send(env); err != nil {
		return err
	}
	s.sent.Inc()
	return nil
}

// flushEmitQueue drains the outbound queue in bounded batches, yielding
// between batches. Relative order is preserved across batch boundaries.
func (s *Session) flushEmitQueue(c *conn.Connection) {
	for {
		batch := s.queue.drain(s.cfg.FlushBatchSize)
		if len(batch) == 0 {
			return
		}
		for i, e := range batch {
			if err := s.flushEntry(c, e); err != nil {
				s.queue.requeue(batch[i:])
				return
			}
		}
		runtime.Gosched()
	}
}

// flushEntry retries a full transport buffer briefly; any other failure
// means the connection is gone and the remaining entries go back on the
// queue for the next connect.
func (s *Session) flushEntry(c *conn.Connection, e *emitEntry) error {
	for {
		err := s.sendEntry(c, e)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrSendBufferFull) {
			return err
		}
		select {
		case <-c.Closed():
			return errs.ErrNotConnected
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// handleEnvelope runs on the read pump for every decoded frame.
func (s *Session) handleEnvelope(env *protocol.Envelope) {
	if env.Ack {
		s.resolveAck(env.AckID, env.Payload)
		return
	}
	s.received.Inc()
	if env.Event.Lifecycle() {
		// hub-originated lifecycle notifications bypass buffering
		s.dispatch(types.Event{Name: env.Event, Payload: env.Payload})
		return
	}
	if evicted := s.buffer.append(env.Event, env.Payload); evicted {
		s.droppedEvents.Inc()
	}
	s.scheduleFlush()
}

func (s *Session) scheduleFlush() {
	if s.flushPending.CompareAndSwap(false, true) {
		cancel := s.scheduler.Schedule(s.cfg.FlushDelay, s.flushBuffers)
		s.mu.Lock()
		s.flushCancel = cancel
		s.mu.Unlock()
	}
}

// flushBuffers drains staged payloads in fixed-size batches. The pending flag
// stays set for the whole drain so at most one drain runs at a time and
// per-event arrival order holds; payloads staged mid-drain are caught either
// by the drain loop itself or by the re-check at the end.
func (s *Session) flushBuffers() {
	for _, name := range s.buffer.names() {
		for {
			batch := s.buffer.drainBatch(name, s.cfg.FlushBatchSize)
			if len(batch) == 0 {
				break
			}
			for _, payload := range batch {
				s.dispatch(types.Event{Name: name, Payload: payload})
			}
			runtime.Gosched()
		}
	}
	s.flushPending.Store(false)
	if s.buffer.len() > 0 {
		s.scheduleFlush()
	}
}

// dispatch notifies a snapshot of the event's listeners. A panicking
// listener is logged and never blocks its siblings.
func (s *Session) dispatch(ev types.Event) {
	for _, fn := range s.listeners.snapshot(ev.Name) {
		s.invoke(fn, ev)
	}
}

func (s *Session) invoke(fn Listener, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("listener for %q panicked: %v", ev.Name, r)
		}
	}()
	fn(ev)
}

// heartbeatLoop round-trips an acknowledged heartbeat on the app channel and
// a control ping on the transport, recording latency from the ack.
func (s *Session) heartbeatLoop(c *conn.Connection, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.Closed():
			return
		case <-ticker.C:
			if err := c.Ping(nil); err != nil {
				logs.Errorf("heartbeat ping: %v", err)
				continue
			}
			start := time.Now()
			if err := s.heartbeatRoundTrip(c); err != nil {
				logs.Errorf("heartbeat: %v", err)
				continue
			}
			s.latency.Store(time.Since(start))
		}
	}
}

func (s *Session) heartbeatRoundTrip(c *conn.Connection) error {
	pa := newPendingAck()
	s.registerAck(pa)
	defer s.unregisterAck(pa.id)

	err := c.Send(&protocol.Envelope{
		Event:   types.EventHeartbeat,
		Payload: jsonPayload(map[string]int64{"ts": time.Now().UnixMilli()}),
		AckID:   pa.id,
	})
	if err != nil {
		return err
	}

	select {
	case res := <-pa.ch:
		return res.err
	case <-time.After(heartbeatTimeout):
		return errs.ErrAckTimeout
	case <-c.Closed():
		return errs.ErrNotConnected
	}
}

// WaitForConnection blocks until the session is connected or ctx expires.
func (s *Session) WaitForConnection(ctx context.Context) error {
	s.mu.Lock()
	if s.state == types.StateConnected {
		s.mu.Unlock()
		return nil
	}
	ch := s.connectedCh
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) noteConnectError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.debugf("connect error: %v", err)
	s.dispatch(types.Event{
		Name:    types.EventConnectError,
		Payload: jsonPayload(map[string]string{"error": err.Error()}),
	})
}

func (s *Session) backoff() conn.Backoff {
	return conn.Backoff{Base: s.cfg.RetryDelay, Max: s.cfg.MaxRetryDelay}
}

// IsConnected reports whether the transport is live.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == types.StateConnected
}

// State returns the current lifecycle state.
func (s *Session) State() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Namespace returns the namespace of the current or pending connection.
func (s *Session) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespace
}

// LastError returns the most recent connectivity error, nil after a
// successful connect.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Latency returns the last heartbeat round-trip time.
func (s *Session) Latency() time.Duration {
	return s.latency.Load()
}

// RetryCount returns the current reconnect attempt count; zero while
// connected.
func (s *Session) RetryCount() int {
	return int(s.attempts.Load())
}

// QueuedEmits returns the number of messages waiting for the next connect.
func (s *Session) QueuedEmits() int {
	return s.queue.len()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() types.Stats {
	return types.Stats{
		MessagesSent:      s.sent.Load(),
		MessagesReceived:  s.received.Load(),
		DroppedEmits:      s.droppedEmits.Load(),
		DroppedEvents:     s.droppedEvents.Load(),
		ReconnectAttempts: s.reconnects.Load(),
	}
}

func (s *Session) debugf(format string, args ...any) {
	if s.cfg.Debug {
		logs.Infof(format, args...)
	}
}

func jsonPayload(v any) json.RawMessage {
	data, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
