package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBroker implements MessageBroker on Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger.With("component", "broker", "broker_type", "redis")}
}

func (b *RedisBroker) Type() string { return "redis" }

func (b *RedisBroker) Publish(ctx context.Context, topic string, message Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, topic, message).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning,
// so nothing published afterwards is missed.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pubsub := b.client.Subscribe(ctx, topic)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", topic, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
					b.logger.Warn("message decode error", "topic", topic, "error", err)
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

// Close ends every subscription. The Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, pubsub := range b.subs {
		pubsub.Close()
	}
	b.subs = nil
	return nil
}
