package session

import (
	"encoding/json"
	"sync"

	"github.com/flicknest/realtime/internal/utils"
)

type ackResult struct {
	payload json.RawMessage
	err     error
}

// pendingAck is one emit awaiting its server acknowledgment. Resolution is
// one-shot; whichever of resolve/reject runs first wins.
type pendingAck struct {
	id   string
	ch   chan ackResult
	once sync.Once
}

func newPendingAck() *pendingAck {
	return &pendingAck{
		id: utils.NewID(),
		ch: make(chan ackResult, 1),
	}
}

func (p *pendingAck) resolve(payload json.RawMessage) {
	p.once.Do(func() { p.ch <- ackResult{payload: payload} })
}

func (p *pendingAck) reject(err error) {
	p.once.Do(func() { p.ch <- ackResult{err: err} })
}

func (s *Session) registerAck(pa *pendingAck) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	s.acks[pa.id] = pa
}

func (s *Session) unregisterAck(id string) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	delete(s.acks, id)
}

// resolveAck completes the pending emit an ack frame addresses. Unknown ack
// IDs are ignored; the waiter may already have timed out.
func (s *Session) resolveAck(id string, payload json.RawMessage) {
	s.ackMu.Lock()
	pa := s.acks[id]
	delete(s.acks, id)
	s.ackMu.Unlock()
	if pa != nil {
		pa.resolve(payload)
	}
}

// rejectAllAcks fails every pending acknowledgment, used on manual
// disconnect.
func (s *Session) rejectAllAcks(err error) {
	s.ackMu.Lock()
	pending := make([]*pendingAck, 0, len(s.acks))
	for _, pa := range s.acks {
		pending = append(pending, pa)
	}
	s.acks = make(map[string]*pendingAck)
	s.ackMu.Unlock()

	for _, pa := range pending {
		pa.reject(err)
	}
}
