package conn

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// Reconnector drives bounded reconnect attempts with backoff. The attempt
// counter is shared with the owning session so the cap holds across the
// never-connected and broken-socket paths; the session resets it to zero on
// a successful connect.
type Reconnector struct {
	backoff     Backoff
	maxAttempts int
	attempts    *atomic.Int32

	// OnAttempt fires before each attempt's backoff wait with the 1-based
	// attempt number. OnExhausted fires once when the cap is reached.
	OnAttempt   func(attempt int)
	OnExhausted func()
}

// NewReconnector wires a reconnect loop around the shared attempt counter.
func NewReconnector(backoff Backoff, maxAttempts int, attempts *atomic.Int32) *Reconnector {
	return &Reconnector{
		backoff:     backoff,
		maxAttempts: maxAttempts,
		attempts:    attempts,
	}
}

// Run retries dial until it succeeds, the context is canceled, or the
// attempt cap is reached. It reports whether a dial succeeded.
func (r *Reconnector) Run(ctx context.Context, dial func(context.Context) error) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		attempt := int(r.attempts.Inc())
		if attempt > r.maxAttempts {
			r.attempts.Store(int32(r.maxAttempts))
			if r.OnExhausted != nil {
				r.OnExhausted()
			}
			return false
		}
		if r.OnAttempt != nil {
			r.OnAttempt(attempt)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.backoff.Delay(attempt)):
		}

		if err := dial(ctx); err == nil {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
}
