package ferry

import (
	"fmt"
	"sync"

	"github.com/b1naryth1ef/ferry/transfer"
)

type EventType uint8

const (
	// EventProgress announces a job or a listing.
	EventProgress EventType = iota
	// EventData carries the periodic speed sample.
	EventData
	// EventClock carries the periodic elapsed time.
	EventClock
	// EventState reports a queue state change.
	EventState
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventData:
		return "data"
	case EventClock:
		return "clock"
	case EventState:
		return "state"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

func (t EventType) droppable() bool {
	return t == EventData || t == EventClock
}

type Event struct {
	Type    EventType
	Message string
	Status  transfer.Snapshot
	Clock   string
	State   State
	Job     *Job
}

// broadcaster fans events out to subscribers in publication order from a
// single dispatcher goroutine.
type broadcaster struct {
	mu     sync.RWMutex
	closed bool
	in     chan Event
	done   chan struct{}

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Event
	quit chan struct{}
	once sync.Once
}

func newBroadcaster() *broadcaster {
	b := &broadcaster{
		in:   make(chan Event, 64),
		done: make(chan struct{}),
		subs: make(map[*subscriber]struct{}),
	}
	go b.dispatch()
	return b
}

func (b *broadcaster) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.in <- e
}

func (b *broadcaster) dispatch() {
	defer close(b.done)
	for e := range b.in {
		b.subsMu.Lock()
		subs := make([]*subscriber, 0, len(b.subs))
		for sub := range b.subs {
			subs = append(subs, sub)
		}
		b.subsMu.Unlock()

		for _, sub := range subs {
			sub.deliver(e)
		}
	}

	b.subsMu.Lock()
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.subsMu.Unlock()
}

func (s *subscriber) deliver(e Event) {
	if e.Type.droppable() {
		select {
		case s.ch <- e:
		default:
		}
		return
	}
	select {
	case s.ch <- e:
	case <-s.quit:
	}
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, buffer), quit: make(chan struct{})}
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if b.subs == nil {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	return sub.ch, func() {
		sub.once.Do(func() {
			close(sub.quit)
			b.subsMu.Lock()
			delete(b.subs, sub)
			b.subsMu.Unlock()
		})
	}
}

// close delivers the pending events, then closes every subscriber channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.in)
	b.mu.Unlock()
	<-b.done
}
