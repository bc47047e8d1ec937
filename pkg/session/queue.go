package session

import (
	"encoding/json"
	"sync"

	"github.com/flicknest/realtime/pkg/types"
)

// emitEntry is one outbound message held while disconnected.
type emitEntry struct {
	event   types.EventName
	payload json.RawMessage
	ack     *pendingAck // nil for fire-and-forget
}

// emitQueue is the bounded outbound FIFO. When full, the oldest entry is
// evicted so the retained entries are always the most recently issued.
type emitQueue struct {
	mu      sync.Mutex
	entries []*emitEntry
	max     int
}

func newEmitQueue(max int) *emitQueue {
	if max <= 0 {
		max = 1
	}
	return &emitQueue{max: max}
}

// push appends an entry, returning the evicted oldest entry if the cap was hit.
func (q *emitQueue) push(e *emitEntry) (evicted *emitEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.max {
		evicted = q.entries[0]
		q.entries = append(q.entries[:0], q.entries[1:]...)
	}
	q.entries = append(q.entries, e)
	return evicted
}

// drain pops up to n oldest entries in issue order.
func (q *emitQueue) drain(n int) []*emitEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.entries) == 0 {
		return nil
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]*emitEntry, n)
	copy(out, q.entries[:n])
	q.entries = append(q.entries[:0], q.entries[n:]...)
	return out
}

// requeue puts entries back at the front, preserving their relative order.
// Entries beyond the cap are trimmed from the front, keeping the newest.
func (q *emitQueue) requeue(entries []*emitEntry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]*emitEntry, 0, len(entries)+len(q.entries))
	merged = append(merged, entries...)
	merged = append(merged, q.entries...)
	if len(merged) > q.max {
		merged = merged[len(merged)-q.max:]
	}
	q.entries = merged
}

// clear empties the queue and returns what was dropped.
func (q *emitQueue) clear() []*emitEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := q.entries
	q.entries = nil
	return dropped
}

func (q *emitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
