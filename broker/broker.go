// Package broker mirrors decoded realtime events to an external message
// broker so other processes can follow a client's stream.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/chatsync/config"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker is closed")

// Message is one mirrored realtime event.
type Message struct {
	ChannelID string          `json:"channel_id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	// Origin identifies the client instance that received the event.
	Origin string `json:"origin,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for go-redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for go-redis.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker publishes and consumes Messages on named topics.
type MessageBroker interface {
	Publish(ctx context.Context, topic string, message Message) error
	// Subscribe streams messages published to topic until ctx is done or
	// the broker is closed.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Type() string
	Close() error
}

// New builds the broker selected by cfg.Type. It returns nil for "none".
// A redis client is required for the "redis" type.
func New(cfg config.BrokerConfig, redisClient *redis.Client, logger *slog.Logger) (MessageBroker, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryBroker(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis broker requires a redis client")
		}
		return NewRedisBroker(redisClient, logger), nil
	case "kafka":
		return NewKafkaBroker(cfg.Kafka.Brokers, cfg.Kafka.GroupID, logger)
	}
	return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
}
