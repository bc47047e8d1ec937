package session

import (
	"encoding/json"
	"sync"

	"github.com/flicknest/realtime/pkg/types"
)

// eventBuffer stages inbound payloads per event name so listener dispatch
// happens in scheduled batches instead of per raw frame. Each event's buffer
// is bounded; the oldest payloads are evicted under bursts.
type eventBuffer struct {
	mu      sync.Mutex
	byEvent map[types.EventName][]json.RawMessage
	cap     int
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventBuffer{
		byEvent: make(map[types.EventName][]json.RawMessage),
		cap:     capacity,
	}
}

// append stages a payload, reporting whether an older entry was evicted.
func (b *eventBuffer) append(event types.EventName, payload json.RawMessage) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.byEvent[event]
	if len(buf) >= b.cap {
		buf = append(buf[:0], buf[1:]...)
		evicted = true
	}
	b.byEvent[event] = append(buf, payload)
	return evicted
}

// drainBatch pops up to n payloads for an event in arrival order. A drained
// event's entry is removed so the map does not leak names.
func (b *eventBuffer) drainBatch(event types.EventName, n int) []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.byEvent[event]
	if n <= 0 || len(buf) == 0 {
		return nil
	}
	if n > len(buf) {
		n = len(buf)
	}
	out := make([]json.RawMessage, n)
	copy(out, buf[:n])
	rest := buf[n:]
	if len(rest) == 0 {
		delete(b.byEvent, event)
	} else {
		b.byEvent[event] = append(buf[:0], rest...)
	}
	return out
}

// clear discards every staged payload, returning how many were dropped.
func (b *eventBuffer) clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, buf := range b.byEvent {
		dropped += len(buf)
	}
	b.byEvent = make(map[types.EventName][]json.RawMessage)
	return dropped
}

// names returns the event names that currently have staged payloads.
func (b *eventBuffer) names() []types.EventName {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.EventName, 0, len(b.byEvent))
	for name := range b.byEvent {
		out = append(out, name)
	}
	return out
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, buf := range b.byEvent {
		total += len(buf)
	}
	return total
}
