package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/flicknest/realtime/internal/conn"
	"github.com/flicknest/realtime/internal/errs"
	"github.com/flicknest/realtime/internal/protocol"
	"github.com/flicknest/realtime/pkg/server"
	"github.com/flicknest/realtime/pkg/types"
)

func newTestHub(t *testing.T) (*server.Hub, string) {
	t.Helper()
	hub := server.NewHub(types.Config{})
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/rt"
}

func fastConfig(base string) types.Config {
	return types.Config{
		BaseURL:           base,
		Namespace:         "/community",
		MaxRetries:        5,
		RetryDelay:        10 * time.Millisecond,
		MaxRetryDelay:     50 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		AckTimeout:        2 * time.Second,
		FlushDelay:        5 * time.Millisecond,
	}
}

// gatedDialer blocks dial completion until the gate closes, so tests can
// issue emits deterministically before the session goes live.
func gatedDialer(gate <-chan struct{}, dials *atomic.Int32) DialFunc {
	return func(ctx context.Context, url string, cfg types.Config) (*conn.Connection, error) {
		if dials != nil {
			dials.Inc()
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return conn.Dial(ctx, conn.Options{
			URL:              url,
			HandshakeTimeout: cfg.ConnectTimeout,
			SendBuffer:       cfg.SendBufferSize,
		})
	}
}

// eventCollector gathers dispatched payloads under a lock.
type eventCollector struct {
	mu       sync.Mutex
	payloads []json.RawMessage
}

func (c *eventCollector) listener() Listener {
	return func(ev types.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.payloads = append(c.payloads, ev.Payload)
	}
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *eventCollector) ids(t *testing.T) []int {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.payloads))
	for _, raw := range c.payloads {
		var p struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(raw, &p))
		ids = append(ids, p.ID)
	}
	return ids
}

func TestConnectAndStatusQueries(t *testing.T) {
	hub, base := newTestHub(t)
	sess := New(fastConfig(base))

	sess.Connect("")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))

	assert.True(t, sess.IsConnected())
	assert.Equal(t, types.StateConnected, sess.State())
	assert.Equal(t, "/community", sess.Namespace())
	assert.NoError(t, sess.LastError())
	assert.Equal(t, 0, sess.RetryCount())

	// the heartbeat ack round-trip records latency
	require.Eventually(t, func() bool {
		return sess.Latency() > 0
	}, 3*time.Second, 10*time.Millisecond)

	sess.Disconnect()
	assert.False(t, sess.IsConnected())
	assert.Equal(t, types.StateDisconnected, sess.State())
	require.Eventually(t, func() bool {
		return hub.ClientCount("") == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestListenerReceivesBroadcastExactlyOnce(t *testing.T) {
	hub, base := newTestHub(t)
	sess := New(fastConfig(base), WithScheduler(SyncScheduler{}))

	col := &eventCollector{}
	sess.AddListener(types.EventReplyCreated, col.listener())

	sess.Connect("")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))
	require.Eventually(t, func() bool {
		return hub.ClientCount("/community") == 1
	}, 3*time.Second, 10*time.Millisecond)

	hub.Broadcast("/community", types.Event{
		Name:    types.EventReplyCreated,
		Payload: json.RawMessage(`{"id":7}`),
	})

	require.Eventually(t, func() bool {
		return col.count() == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{7}, col.ids(t))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, col.count(), "payload must be delivered exactly once")

	sess.Disconnect()
}

func TestListenerPersistsAcrossReconnect(t *testing.T) {
	hub, base := newTestHub(t)
	sess := New(fastConfig(base), WithScheduler(SyncScheduler{}))

	col := &eventCollector{}
	sess.AddListener(types.EventReplyCreated, col.listener())

	disconnects := atomic.NewInt32(0)
	sess.AddListener(types.EventDisconnect, func(types.Event) { disconnects.Inc() })

	sess.Connect("")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))
	require.Eventually(t, func() bool {
		return hub.ClientCount("/community") == 1
	}, 3*time.Second, 10*time.Millisecond)

	hub.Broadcast("/community", types.Event{Name: types.EventReplyCreated, Payload: json.RawMessage(`{"id":7}`)})
	require.Eventually(t, func() bool { return col.count() == 1 }, 3*time.Second, 10*time.Millisecond)

	// server-side drop; the session reconnects on its own
	hub.DisconnectAll("")
	require.Eventually(t, func() bool {
		return sess.IsConnected() && hub.ClientCount("/community") == 1
	}, 5*time.Second, 10*time.Millisecond)

	hub.Broadcast("/community", types.Event{Name: types.EventReplyCreated, Payload: json.RawMessage(`{"id":8}`)})
	require.Eventually(t, func() bool { return col.count() == 2 }, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{7, 8}, col.ids(t))
	assert.GreaterOrEqual(t, disconnects.Load(), int32(1))

	sess.Disconnect()
}

func TestListenerPanicDoesNotStopSiblings(t *testing.T) {
	hub, base := newTestHub(t)
	sess := New(fastConfig(base), WithScheduler(SyncScheduler{}))

	sess.AddListener(types.EventReplyCreated, func(types.Event) {
		panic("listener bug")
	})
	col := &eventCollector{}
	sess.AddListener(types.EventReplyCreated, col.listener())

	sess.Connect("")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))
	require.Eventually(t, func() bool {
		return hub.ClientCount("/community") == 1
	}, 3*time.Second, 10*time.Millisecond)

	for i := 1; i <= 2; i++ {
		hub.Broadcast("/community", types.Event{
			Name:    types.EventReplyCreated,
			Payload: json.RawMessage(`{"id":1}`),
		})
	}

	require.Eventually(t, func() bool {
		return col.count() == 2
	}, 3*time.Second, 10*time.Millisecond)

	sess.Disconnect()
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	hub, base := newTestHub(t)
	sess := New(fastConfig(base), WithScheduler(SyncScheduler{}))

	col := &eventCollector{}
	sess.Once(types.EventUserJoined, col.listener())

	sess.Connect("")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))
	require.Eventually(t, func() bool {
		return hub.ClientCount("/community") == 1
	}, 3*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		hub.Broadcast("/community", types.Event{Name: types.EventUserJoined, Payload: json.RawMessage(`{"id":1}`)})
	}

	require.Eventually(t, func() bool { return col.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, col.count())

	sess.Disconnect()
}

func TestEmitWithAckTimeoutIsolatedFromOtherAcks(t *testing.T) {
	hub, base := newTestHub(t)
	sess := New(fastConfig(base))

	hub.Handle(types.EventUserJoined, func(ns string, ev types.Event) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	// no handler for discussion-created: its ack never arrives

	sess.Connect("")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))

	var wg sync.WaitGroup
	var ackErr, timeoutErr error
	var ackPayload json.RawMessage

	wg.Add(2)
	go func() {
		defer wg.Done()
		tctx, tcancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer tcancel()
		_, timeoutErr = sess.EmitWithAck(tctx, types.EventDiscussionCreated, map[string]int{"id": 1})
	}()
	go func() {
		defer wg.Done()
		actx, acancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer acancel()
		ackPayload, ackErr = sess.EmitWithAck(actx, types.EventUserJoined, map[string]string{"user": "a"})
	}()
	wg.Wait()

	require.NoError(t, ackErr)
	assert.JSONEq(t, `{"ok":true}`, string(ackPayload))
	assert.ErrorIs(t, timeoutErr, errs.ErrAckTimeout)

	sess.Disconnect()
}

func TestQueuedEmitsFlushInIssueOrder(t *testing.T) {
	hub, base := newTestHub(t)

	col := &eventCollector{}
	hub.OnEvent(func(ns string, ev types.Event) {
		if ev.Name == types.EventDiscussionLiked {
			col.mu.Lock()
			col.payloads = append(col.payloads, ev.Payload)
			col.mu.Unlock()
		}
	})

	gate := make(chan struct{})
	cfg := fastConfig(base)
	cfg.MaxQueuedEmits = 10
	sess := New(cfg, WithDialer(gatedDialer(gate, nil)))

	for i := 1; i <= 5; i++ {
		require.NoError(t, sess.Emit(types.EventDiscussionLiked, map[string]int{"id": i}))
	}
	assert.Equal(t, 5, sess.QueuedEmits())

	close(gate)

	require.Eventually(t, func() bool { return col.count() == 5 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, col.ids(t))
	assert.Equal(t, 0, sess.QueuedEmits())

	sess.Disconnect()
}

func TestQueueCapOneDeliversOnlyNewest(t *testing.T) {
	hub, base := newTestHub(t)

	col := &eventCollector{}
	hub.OnEvent(func(ns string, ev types.Event) {
		if ev.Name == types.EventDiscussionLiked {
			col.mu.Lock()
			col.payloads = append(col.payloads, ev.Payload)
			col.mu.Unlock()
		}
	})

	gate := make(chan struct{})
	cfg := fastConfig(base)
	cfg.MaxQueuedEmits = 1
	sess := New(cfg, WithDialer(gatedDialer(gate, nil)))

	require.NoError(t, sess.Emit(types.EventDiscussionLiked, map[string]int{"id": 1}))
	require.NoError(t, sess.Emit(types.EventDiscussionLiked, map[string]int{"id": 2}))
	assert.Equal(t, 1, sess.QueuedEmits())

	close(gate)

	require.Eventually(t, func() bool { return col.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{2}, col.ids(t))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, col.count(), "evicted emit must never be sent")
	assert.Equal(t, int64(1), sess.Stats().DroppedEmits)

	sess.Disconnect()
}

func TestRapidDoubleConnectDialsOnce(t *testing.T) {
	_, base := newTestHub(t)

	gate := make(chan struct{})
	dials := atomic.NewInt32(0)
	sess := New(fastConfig(base), WithDialer(gatedDialer(gate, dials)))

	connects := atomic.NewInt32(0)
	sess.AddListener(types.EventConnect, func(types.Event) { connects.Inc() })

	sess.Connect("")
	sess.Connect("")
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "second Connect must be a no-op while connecting")
	assert.Equal(t, int32(1), connects.Load())

	sess.Disconnect()
}

func TestRetryCapFiresTerminalNotificationOnce(t *testing.T) {
	cfg := fastConfig("ws://127.0.0.1:1/rt")
	cfg.MaxRetries = 3
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	sess := New(cfg)

	attempts := atomic.NewInt32(0)
	failed := atomic.NewInt32(0)
	connectErrors := atomic.NewInt32(0)
	sess.AddListener(types.EventReconnectAttempt, func(types.Event) { attempts.Inc() })
	sess.AddListener(types.EventReconnectFailed, func(types.Event) { failed.Inc() })
	sess.AddListener(types.EventConnectError, func(types.Event) { connectErrors.Inc() })

	sess.Connect("")

	require.Eventually(t, func() bool {
		return failed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
	assert.GreaterOrEqual(t, connectErrors.Load(), int32(1))
	assert.Equal(t, types.StateDisconnected, sess.State())
	assert.ErrorIs(t, sess.LastError(), errs.ErrRetriesExhausted)
	assert.Equal(t, 3, sess.RetryCount())

	// terminal means terminal: no further attempts, no second notification
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(1), failed.Load())
}

func TestDisconnectDropsQueueAndRejectsPendingAcks(t *testing.T) {
	_, base := newTestHub(t)

	gate := make(chan struct{}) // never opened
	dials := atomic.NewInt32(0)
	sess := New(fastConfig(base), WithDialer(gatedDialer(gate, dials)))

	require.NoError(t, sess.Emit(types.EventDiscussionLiked, map[string]int{"id": 1}))
	require.NoError(t, sess.Emit(types.EventDiscussionLiked, map[string]int{"id": 2}))

	ackErrCh := make(chan error, 1)
	go func() {
		actx, acancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer acancel()
		_, err := sess.EmitWithAck(actx, types.EventUserJoined, nil)
		ackErrCh <- err
	}()

	require.Eventually(t, func() bool {
		return sess.QueuedEmits() == 3
	}, 2*time.Second, 5*time.Millisecond)

	sess.Disconnect()

	select {
	case err := <-ackErrCh:
		assert.ErrorIs(t, err, errs.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("queued ack was not rejected on disconnect")
	}
	assert.Equal(t, 0, sess.QueuedEmits(), "manual disconnect discards the emit queue")

	// emits after a manual disconnect queue up but never trigger a dial
	before := dials.Load()
	require.NoError(t, sess.Emit(types.EventDiscussionLiked, map[string]int{"id": 9}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, dials.Load())
	assert.Equal(t, 1, sess.QueuedEmits())
}

func TestNamespaceSwitchKeepsListeners(t *testing.T) {
	hub, base := newTestHub(t)
	sess := New(fastConfig(base), WithScheduler(SyncScheduler{}))

	col := &eventCollector{}
	sess.AddListener(types.EventReplyCreated, col.listener())

	sess.Connect("/movies")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))
	require.Eventually(t, func() bool {
		return hub.ClientCount("/movies") == 1
	}, 3*time.Second, 10*time.Millisecond)

	sess.Connect("/shows")
	require.Eventually(t, func() bool {
		return sess.IsConnected() && sess.Namespace() == "/shows" &&
			hub.ClientCount("/shows") == 1 && hub.ClientCount("/movies") == 0
	}, 5*time.Second, 10*time.Millisecond)

	hub.Broadcast("/shows", types.Event{Name: types.EventReplyCreated, Payload: json.RawMessage(`{"id":3}`)})
	require.Eventually(t, func() bool { return col.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{3}, col.ids(t))

	sess.Disconnect()
}

// spawnScheduler runs scheduled work on a fresh goroutine, like the
// production timer scheduler.
type spawnScheduler struct{}

func (spawnScheduler) Schedule(_ time.Duration, fn func()) func() {
	go fn()
	return func() {}
}

// captureScheduler records scheduled work without running it.
type captureScheduler struct {
	mu       sync.Mutex
	fns      []func()
	canceled int
}

func (c *captureScheduler) Schedule(_ time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.canceled++
	}
}

func TestBufferedDispatchKeepsPerEventOrderUnderLoad(t *testing.T) {
	cfg := fastConfig("ws://127.0.0.1:1/rt")
	cfg.FlushBatchSize = 5
	cfg.EventBufferSize = 5000
	sess := New(cfg, WithScheduler(spawnScheduler{}), WithDialer(gatedDialer(make(chan struct{}), nil)))

	var mu sync.Mutex
	var seqs []int
	sess.AddListener(types.EventReplyCreated, func(ev types.Event) {
		var p struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		mu.Lock()
		seqs = append(seqs, p.Seq)
		mu.Unlock()
		// a slow consumer keeps the drain busy while new frames arrive
		time.Sleep(100 * time.Microsecond)
	})

	const total = 600
	for i := 0; i < total; i++ {
		sess.handleEnvelope(&protocol.Envelope{
			Event:   types.EventReplyCreated,
			Payload: jsonPayload(map[string]int{"seq": i}),
		})
		if i%20 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == total
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		require.Less(t, seqs[i-1], seqs[i], "delivery order diverged at index %d", i)
	}
}

func TestDisconnectCancelsPendingFlush(t *testing.T) {
	sched := &captureScheduler{}
	sess := New(fastConfig("ws://127.0.0.1:1/rt"),
		WithScheduler(sched), WithDialer(gatedDialer(make(chan struct{}), nil)))

	col := &eventCollector{}
	sess.AddListener(types.EventReplyCreated, col.listener())

	sess.handleEnvelope(&protocol.Envelope{
		Event:   types.EventReplyCreated,
		Payload: json.RawMessage(`{"id":1}`),
	})
	sched.mu.Lock()
	require.Len(t, sched.fns, 1)
	fn := sched.fns[0]
	sched.mu.Unlock()

	sess.Disconnect()

	sched.mu.Lock()
	assert.Equal(t, 1, sched.canceled)
	sched.mu.Unlock()
	assert.Equal(t, int64(1), sess.Stats().DroppedEvents)

	// a timer that fired before Stop won the race must find nothing to deliver
	fn()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, col.count())
}

func TestQueuedEmitWithAckDeadlineRunsFromCall(t *testing.T) {
	gate := make(chan struct{}) // never opened
	cfg := fastConfig("ws://127.0.0.1:1/rt")
	cfg.AckTimeout = 100 * time.Millisecond
	sess := New(cfg, WithDialer(gatedDialer(gate, nil)))

	start := time.Now()
	_, err := sess.EmitWithAck(context.Background(), types.EventUserJoined, nil)
	assert.ErrorIs(t, err, errs.ErrAckTimeout)
	assert.Less(t, time.Since(start), time.Second,
		"default ack deadline elapses while the emit is still queued")

	sess.Disconnect()
}

func TestEmitWhileConnectedSendsImmediately(t *testing.T) {
	hub, base := newTestHub(t)

	col := &eventCollector{}
	hub.OnEvent(func(ns string, ev types.Event) {
		if ev.Name == types.EventDiscussionUpdated {
			col.mu.Lock()
			col.payloads = append(col.payloads, ev.Payload)
			col.mu.Unlock()
		}
	})

	sess := New(fastConfig(base))
	sess.Connect("")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitForConnection(ctx))

	require.NoError(t, sess.Emit(types.EventDiscussionUpdated, map[string]int{"id": 11}))

	require.Eventually(t, func() bool { return col.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{11}, col.ids(t))
	assert.Equal(t, 0, sess.QueuedEmits())
	assert.GreaterOrEqual(t, sess.Stats().MessagesSent, int64(1))

	sess.Disconnect()
}
