// Package broadcast fans reload events out to every live reconciliation
// session.
//
// Each subscriber owns a bounded buffer. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber only
// and counted. A slow browser tab therefore misses an intermediate reload
// but always sees the next one.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 16

// Broadcaster is a single-writer, multi-reader notification line.
type Broadcaster struct {
	buffer  int
	nextID  atomic.Uint64
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool
}

// Subscription receives events published after it was created.
type Subscription struct {
	id      uint64
	ch      chan string
	b       *Broadcaster
	dropped atomic.Uint64
	once    sync.Once
}

// New creates a broadcaster with the given per-subscriber buffer size.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed broadcaster
// yields a subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		id: b.nextID.Add(1),
		ch: make(chan string, b.buffer),
		b:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish offers path to every subscriber and returns how many accepted it.
func (b *Broadcaster) Publish(path string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	accepted := 0
	for _, sub := range b.subs {
		select {
		case sub.ch <- path:
			accepted++
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	return accepted
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped across subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes reach nobody.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

// C returns the event channel. It is closed when the subscription or the
// broadcaster is closed.
func (s *Subscription) C() <-chan string {
	return s.ch
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
