package mockagent

import (
	"encoding/json"
	"sync"

	"github.com/sandboxagent/gateway/internal/acp/adapter"
)

// stream reproduces the adapter's broadcast-plus-ring semantics for the
// in-process agent: monotonic sequences, bounded FIFO replay, non-blocking
// fan-out.
type stream struct {
	mu     sync.Mutex
	seq    uint64
	ring   []adapter.StreamMessage
	subs   map[int]chan adapter.StreamMessage
	nextID int
	closed bool
}

func newStream() *stream {
	return &stream{subs: make(map[int]chan adapter.StreamMessage)}
}

func (s *stream) publish(payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.seq++
	msg := adapter.StreamMessage{Sequence: s.seq, Payload: raw}
	s.ring = append(s.ring, msg)
	if len(s.ring) > adapter.RingBufferSize {
		s.ring = s.ring[1:]
	}
	for id, sub := range s.subs {
		select {
		case sub <- msg:
		default:
			close(sub)
			delete(s.subs, id)
		}
	}
}

func (s *stream) subscribe(lastEventID uint64) ([]adapter.StreamMessage, <-chan adapter.StreamMessage, func()) {
	live := make(chan adapter.StreamMessage, adapter.BroadcastCapacity)

	s.mu.Lock()
	var replay []adapter.StreamMessage
	for _, msg := range s.ring {
		if msg.Sequence > lastEventID {
			replay = append(replay, msg)
		}
	}
	id := s.nextID
	s.nextID++
	if s.closed {
		close(live)
	} else {
		s.subs[id] = live
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
	return replay, live, cancel
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub)
		delete(s.subs, id)
	}
}
