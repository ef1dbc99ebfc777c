package httpapi

import (
	"encoding/json"
	"sync"

	"github.com/sandboxagent/gateway/internal/acp/adapter"
)

// frame is one SSE frame on a connection stream.
type frame struct {
	Seq  uint64          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// connStream is the per-connection merged stream served over SSE and the
// websocket mirror. It carries the agent's raw JSON-RPC frames interleaved
// with the gateway's own notification frames (universal events, session
// ended), under one gap-free sequence so Last-Event-ID replay spans both.
type connStream struct {
	mu        sync.Mutex
	seq       uint64
	ring      []frame
	subs      map[int]chan frame
	nextID    int
	closed    bool
	sseActive bool
}

func newConnStream() *connStream {
	return &connStream{subs: make(map[int]chan frame)}
}

func (s *connStream) publish(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.seq++
	f := frame{Seq: s.seq, Data: raw}
	s.ring = append(s.ring, f)
	if len(s.ring) > adapter.RingBufferSize {
		s.ring = s.ring[1:]
	}
	for id, sub := range s.subs {
		select {
		case sub <- f:
		default:
			close(sub)
			delete(s.subs, id)
		}
	}
}

func (s *connStream) subscribe(lastEventID uint64) ([]frame, <-chan frame, func()) {
	live := make(chan frame, adapter.BroadcastCapacity)

	s.mu.Lock()
	var replay []frame
	for _, f := range s.ring {
		if f.Seq > lastEventID {
			replay = append(replay, f)
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

// claimSSE reserves the connection's single SSE slot.
func (s *connStream) claimSSE() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sseActive {
		return false
	}
	s.sseActive = true
	return true
}

func (s *connStream) releaseSSE() {
	s.mu.Lock()
	s.sseActive = false
	s.mu.Unlock()
}

func (s *connStream) close() {
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
