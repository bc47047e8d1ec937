package errs

import (
	"errors"
	"sync"
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrConnectTimeout   = errors.New("realtime: connect timeout")
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
	ErrAckTimeout       = errors.New("realtime: ack timeout")
	ErrSessionClosed    = errors.New("realtime: session closed")
	ErrSendBufferFull   = errors.New("realtime: send buffer full")
	ErrQueueOverflow    = errors.New("realtime: emit queue overflow")
	ErrInvalidEnvelope  = errors.New("realtime: invalid envelope")
)

// Reporter fans transport faults out to registered callbacks. The transport
// layer reports through it so the session can track the last error without a
// package cycle.
type Reporter struct {
	mu        sync.Mutex
	callbacks []func(error)
}

func NewReporter() *Reporter {
	return &Reporter{}
}

// Subscribe registers a callback invoked for every reported error.
func (r *Reporter) Subscribe(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Report delivers err to every subscriber. Callbacks run outside the lock so
// a subscriber may call Subscribe reentrantly.
func (r *Reporter) Report(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	snapshot := make([]func(error), len(r.callbacks))
	copy(snapshot, r.callbacks)
	r.mu.Unlock()

	for _, fn := range snapshot {
		fn(err)
	}
}
