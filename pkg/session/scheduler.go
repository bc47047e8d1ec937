package session

import "time"

// Scheduler defers work off the caller's path. The session schedules inbound
// buffer flushes through it; tests substitute a deterministic implementation.
type Scheduler interface {
	// Schedule runs fn after the delay and returns a cancel func.
	Schedule(delay time.Duration, fn func()) (cancel func())
}

// timerScheduler is the production scheduler.
type timerScheduler struct{}

func (timerScheduler) Schedule(delay time.Duration, fn func()) func() {
	t := time.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

// SyncScheduler runs scheduled work immediately on the calling goroutine.
// Intended for tests.
type SyncScheduler struct{}

func (SyncScheduler) Schedule(_ time.Duration, fn func()) func() {
	fn()
	return func() {}
}
