package workflow

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Broadcaster fans events out to any number of subscriptions. Lossy
// subscriptions drop their oldest buffered event under pressure; reliable
// subscriptions make Publish block until the consumer keeps up.
type Broadcaster struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Subscription is one consumer's view of a run's event stream. The channel is
// closed when the broadcaster closes.
type Subscription struct {
	ch      chan Event
	lossy   bool
	dropped atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a lossy consumer. buffer <= 0 uses a default size.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return b.add(&Subscription{ch: make(chan Event, buffer), lossy: true})
}

// SubscribeReliable registers a consumer that must see every event. Publish
// blocks when its buffer is full, so the consumer throttles the engine.
func (b *Broadcaster) SubscribeReliable() *Subscription {
	return b.add(&Subscription{ch: make(chan Event, defaultBuffer)})
}

func (b *Broadcaster) add(s *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Publish delivers ev to every subscription. Safe to call concurrently.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.lossy {
			s.ch <- ev
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Full: evict the oldest event to make room for the newest.
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- ev:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// Close ends the stream. All subscription channels are closed after the
// events already buffered are drained by their consumers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events this subscription lost to back-pressure.
// Always zero for reliable subscriptions.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }
