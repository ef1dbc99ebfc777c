package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sandboxagent/gateway/internal/schema"
)

// EventBufferSize is the replay ring capacity of a session's event bus.
const EventBufferSize = 256

// EventBus is one session's ordered event stream: a bounded replay ring plus
// live fan-out. Sequences start at 1 and are gap-free for the life of the
// session; snapshot and registration happen under one lock acquisition so a
// subscriber never misses or double-sees an event.
type EventBus struct {
	mu     sync.Mutex
	seq    uint64
	ring   []*schema.Event
	subs   map[int]chan *schema.Event
	nextID int
	closed bool
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan *schema.Event)}
}

// Emit stamps the event with its id, sequence, and timestamp, stores it in
// the ring, and fans it out. Slow subscribers are dropped rather than ever
// blocking emission. The stamped event is returned.
func (b *EventBus) Emit(ev schema.Event) *schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	b.seq++
	ev.EventID = uuid.NewString()
	ev.Sequence = b.seq
	ev.Time = schema.Now()

	stamped := &ev
	b.ring = append(b.ring, stamped)
	if len(b.ring) > EventBufferSize {
		b.ring = b.ring[1:]
	}
	for id, sub := range b.subs {
		select {
		case sub <- stamped:
		default:
			close(sub)
			delete(b.subs, id)
		}
	}
	return stamped
}

// Subscribe returns ring events with sequence greater than afterSeq plus a
// live channel for everything emitted after the snapshot.
func (b *EventBus) Subscribe(afterSeq uint64) ([]*schema.Event, <-chan *schema.Event, func()) {
	live := make(chan *schema.Event, EventBufferSize)

	b.mu.Lock()
	var replay []*schema.Event
	for _, ev := range b.ring {
		if ev.Sequence > afterSeq {
			replay = append(replay, ev)
		}
	}
	id := b.nextID
	b.nextID++
	if b.closed {
		close(live)
	} else {
		b.subs[id] = live
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return replay, live, cancel
}

// Seq returns the sequence of the most recently emitted event.
func (b *EventBus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close ends the stream for all subscribers. Further emits are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub)
		delete(b.subs, id)
	}
}
