package session

import (
	"sync"

	"github.com/flicknest/realtime/pkg/types"
)

// ListenerID identifies a registration for removal.
type ListenerID uint64

// Listener receives events for one event name.
type Listener func(types.Event)

// listenerRegistry maps event names to callback sets. Registrations live
// independently of the connection; they are never cleared by reconnects.
type listenerRegistry struct {
	mu      sync.Mutex
	nextID  ListenerID
	byEvent map[types.EventName]map[ListenerID]Listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		byEvent: make(map[types.EventName]map[ListenerID]Listener),
	}
}

// reserve allocates an ID before insertion so a callback closure may refer to
// its own registration without racing dispatch.
func (r *listenerRegistry) reserve() ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *listenerRegistry) insert(event types.EventName, id ListenerID, fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byEvent[event]
	if !ok {
		set = make(map[ListenerID]Listener)
		r.byEvent[event] = set
	}
	set[id] = fn
}

// remove deletes a registration; the last removal for an event drops the
// event's entry entirely.
func (r *listenerRegistry) remove(event types.EventName, id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byEvent[event]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.byEvent, event)
	}
}

// snapshot returns the callbacks registered for an event at this moment.
// Dispatch iterates the snapshot so listeners may add or remove listeners
// as a side effect.
func (r *listenerRegistry) snapshot(event types.EventName) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byEvent[event]
	if len(set) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

// count returns the number of registrations for an event.
func (r *listenerRegistry) count(event types.EventName) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEvent[event])
}
