package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/protocol"
)

const (
	mirrorQueueSize      = 256
	mirrorPublishTimeout = 5 * time.Second
)

// Mirror republishes inbound realtime events to a broker topic. It
// implements the realtime manager's event sink; publishing happens on a
// background goroutine so a slow broker never stalls a read loop.
type Mirror struct {
	broker MessageBroker
	topic  string
	origin string
	clock  clockwork.Clock
	logger *slog.Logger

	queue chan Message
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewMirror starts a mirror publishing to topic. origin tags every
// message with the publishing instance.
func NewMirror(broker MessageBroker, topic, origin string, clock clockwork.Clock, logger *slog.Logger) *Mirror {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		broker: broker,
		topic:  topic,
		origin: origin,
		clock:  clock,
		logger: logger.With("component", "mirror", "broker_type", broker.Type()),
		queue:  make(chan Message, mirrorQueueSize),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// HandleEvent queues event for publishing. Events are dropped when the
// queue is full.
func (m *Mirror) HandleEvent(_ context.Context, channelID string, event protocol.Event) {
	data, err := encodeEvent(event)
	if err != nil {
		m.logger.Warn("event not mirrored", "channel_id", channelID, "event", event.Name(), "error", err)
		return
	}
	msg := Message{
		ChannelID: channelID,
		Event:     string(event.Name()),
		Data:      data,
		Timestamp: m.clock.Now().UTC(),
		Origin:    m.origin,
	}

	select {
	case <-m.done:
	case m.queue <- msg:
	default:
		metrics.EventsDropped.WithLabelValues("mirror_full").Inc()
		m.logger.Warn("mirror queue full, dropping event", "channel_id", channelID, "event", msg.Event)
	}
}

func encodeEvent(event protocol.Event) (json.RawMessage, error) {
	switch e := event.(type) {
	case protocol.NewMessageEvent:
		return json.Marshal(e.Message)
	case protocol.UnknownEvent:
		return e.Data, nil
	}
	return json.Marshal(event)
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.queue:
			m.publish(msg)
		}
	}
}

func (m *Mirror) publish(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishTimeout)
	defer cancel()
	if err := m.broker.Publish(ctx, m.topic, msg); err != nil {
		m.logger.Error("failed to mirror event", "channel_id", msg.ChannelID, "event", msg.Event, "error", err)
		return
	}
	metrics.BrokerMessagesPublished.WithLabelValues(m.broker.Type()).Inc()
}

// Close stops publishing. Queued events that were not yet published are
// discarded. The broker itself is left open.
func (m *Mirror) Close() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}
