package eventbus

import (
	"sync"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
)

// subscriberBuffer bounds how far a consumer may fall behind before events
// are dropped for it. Dropped events are safe to lose: consumers resync from
// the read API and every event carries full state.
const subscriberBuffer = 64

// Bus is an in-process implementation of eventbus.Bus.
//
// Publish dispatches to matching subscribers under one mutex, so events on
// the same partition are delivered to each subscriber in publish order and
// their timestamps are non-decreasing. Sends never block: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	partitions map[domain.Partition]struct{} // empty means all
	ch         chan domain.ChangeEvent
	closed     bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

func (b *Bus) Publish(evt domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.matches(evt.Partition) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow consumer: drop rather than block the write path.
		}
	}
}

func (b *Bus) Subscribe(partitions ...domain.Partition) (<-chan domain.ChangeEvent, func()) {
	sub := &subscriber{
		partitions: make(map[domain.Partition]struct{}, len(partitions)),
		ch:         make(chan domain.ChangeEvent, subscriberBuffer),
	}
	for _, p := range partitions {
		sub.partitions[p] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		delete(b.subs, sub)
		close(sub.ch)
	}
	return sub.ch, cancel
}

func (s *subscriber) matches(p domain.Partition) bool {
	if len(s.partitions) == 0 {
		return true
	}
	_, ok := s.partitions[p]
	return ok
}
