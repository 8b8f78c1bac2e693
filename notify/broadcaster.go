// Package notify provides the latest-value fan-out behind every subscriber
// stream (token changes, message lists, typing sets, connection status).
package notify

import "sync"

// Broadcaster delivers published values to all subscribers. Each
// subscriber channel holds at most one pending value; a publish to a
// subscriber that has not consumed the previous value replaces it, so slow
// readers always observe the latest state and publishers never block.
// New subscribers immediately receive the most recent value, if any.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	last   T
	has    bool
	closed bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a receive channel and a function that cancels the
// subscription and closes the channel. The channel is also closed when
// the broadcaster is closed.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.has {
		ch <- b.last
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish records v as the latest value and offers it to every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.last = v
	b.has = true
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// Drop the stale value, then deliver the new one. Only
			// publishers send, and they hold mu, so the second send
			// cannot block.
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Latest returns the most recently published value.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.has
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
