package broker

import (
	"context"
	"sync"
)

const memorySubscriberBuffer = 100

// MemoryBroker delivers messages between subscribers of one process. A
// subscriber whose buffer is full misses the message.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Message]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan Message]struct{})}
}

func (b *MemoryBroker) Type() string { return "memory" }

func (b *MemoryBroker) Publish(ctx context.Context, topic string, message Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for ch := range b.subs[topic] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ch := make(chan Message, memorySubscriberBuffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Message]struct{})
	}
	b.subs[topic][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, ch)
	}()
	return ch, nil
}

func (b *MemoryBroker) unsubscribe(topic string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic][ch]; ok {
		delete(b.subs[topic], ch)
		close(ch)
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
