package conn

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// with up to 50% random jitter added after the cap so synchronized clients
// spread their retries.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	// guard the shift against overflow on large attempt counts
	if shift := uint(attempt - 1); shift < 32 {
		d = b.Base << shift
	} else {
		d = b.Max
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}
