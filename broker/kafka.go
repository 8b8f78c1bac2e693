package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/abdelmounim-dev/chatsync/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// NewKafkaConfig returns the producer and consumer settings used by
// NewKafkaBroker.
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()

	// Producer configuration
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	// Consumer configuration
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V3_6_0_0
	return config
}

// KafkaBroker implements MessageBroker using Apache Kafka. Messages are
// keyed by channel id so one channel's events stay in one partition.
type KafkaBroker struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	logger        *slog.Logger
	mu            sync.RWMutex
	closed        bool
}

// NewKafkaBroker connects a producer and a consumer group to brokers.
func NewKafkaBroker(brokers []string, groupID string, logger *slog.Logger) (*KafkaBroker, error) {
	config := NewKafkaConfig()

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	return NewKafkaBrokerFromClients(producer, consumerGroup, logger), nil
}

// NewKafkaBrokerFromClients wraps existing clients. consumerGroup may be
// nil for a publish-only broker.
func NewKafkaBrokerFromClients(producer sarama.SyncProducer, consumerGroup sarama.ConsumerGroup, logger *slog.Logger) *KafkaBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBroker{
		producer:      producer,
		consumerGroup: consumerGroup,
		logger:        logger.With("component", "broker", "broker_type", "kafka"),
	}
}

func (b *KafkaBroker) Type() string { return "kafka" }

// Publish sends message to topic, retrying with exponential backoff.
func (b *KafkaBroker) Publish(ctx context.Context, topic string, message Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(message.ChannelID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(message.Event)},
		},
		Timestamp: message.Timestamp,
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		b.logger.Warn("retrying publish", "channel_id", message.ChannelID, "next", d, "error", err)
	})
}

// Subscribe joins the consumer group on topic.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	b.mu.RUnlock()
	if b.consumerGroup == nil {
		return nil, errors.New("kafka broker has no consumer group")
	}

	messages := make(chan Message, 100)
	handler := &consumerGroupHandler{
		messages: messages,
		ready:    make(chan bool),
		logger:   b.logger,
	}

	go func() {
		defer close(messages)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				// Consume returns on every rebalance and must be called again.
				if err := b.consumerGroup.Consume(ctx, []string{topic}, handler); err != nil {
					if !errors.Is(err, sarama.ErrClosedConsumerGroup) {
						b.logger.Error("consumer group stopped", "topic", topic, "error", err)
					}
					return
				}
			}
		}
	}()

	go func() {
		for err := range b.consumerGroup.Errors() {
			b.logger.Warn("consumer group error", "error", err)
		}
	}()

	select {
	case <-handler.ready:
		return messages, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for consumer to be ready")
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	messages chan<- Message
	ready    chan bool
	once     sync.Once
	logger   *slog.Logger
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() {
		close(h.ready)
	})
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case kafkaMsg := <-claim.Messages():
			if kafkaMsg == nil {
				return nil
			}

			var message Message
			if err := json.Unmarshal(kafkaMsg.Value, &message); err != nil {
				h.logger.Warn("message decode error", "topic", kafkaMsg.Topic, "offset", kafkaMsg.Offset, "error", err)
				// Undecodable records are marked so they are not redelivered.
				session.MarkMessage(kafkaMsg, "")
				continue
			}

			select {
			case h.messages <- message:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(kafkaMsg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
