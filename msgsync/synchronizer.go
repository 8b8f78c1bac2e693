// Package msgsync keeps the ordered, bounded message window of every
// channel and reconciles optimistic sends with their server echoes.
package msgsync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/protocol"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// Acknowledger confirms receipt of a message to the server.
// *websocket.Manager implements it.
type Acknowledger interface {
	Acknowledge(channelID, messageID string) error
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAcknowledger sets where receipt acknowledgements go.
func WithAcknowledger(ack Acknowledger) Option {
	return func(s *Synchronizer) { s.ack = ack }
}

// Synchronizer consumes inbound events and maintains one cache per
// channel. Caches are independent; each has its own lock.
type Synchronizer struct {
	cfg    config.SyncConfig
	logger *slog.Logger

	ackMu sync.RWMutex
	ack   Acknowledger

	mu     sync.Mutex
	caches map[string]*cache
}

func New(cfg config.SyncConfig, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		cfg:    cfg,
		logger: slog.Default(),
		caches: make(map[string]*cache),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "msgsync")
	return s
}

// SetAcknowledger sets where receipt acknowledgements go.
func (s *Synchronizer) SetAcknowledger(ack Acknowledger) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	s.ack = ack
}

func (s *Synchronizer) cache(channelID string) *cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[channelID]
	if !ok {
		c = newCache()
		s.caches[channelID] = c
	}
	return c
}

// HandleEvent applies one inbound event of channelID.
func (s *Synchronizer) HandleEvent(ctx context.Context, channelID string, event protocol.Event) {
	switch e := event.(type) {
	case protocol.NewMessageEvent:
		s.handleMessage(channelID, e.Message)
	case protocol.ReceiptEvent:
		s.updateStatus(channelID, e.MessageID, e.Status)
	case protocol.ErrorEvent:
		s.cache(channelID).errs.Publish(&syncerr.ServerError{
			Message: e.Message,
			Body:    map[string]any{"code": e.Code, "message": e.Message},
		})
	case protocol.HeartbeatEvent, protocol.ConnectedEvent, protocol.JoinedEvent,
		protocol.TypingEvent, protocol.MembershipEvent:
	default:
		s.logger.Debug("ignoring event", "channel_id", channelID, "event", event.Name())
	}
}

func (s *Synchronizer) handleMessage(channelID string, msg models.Message) {
	if msg.ChannelID == "" {
		msg.ChannelID = channelID
	}
	if msg.ChannelID != channelID {
		metrics.EventsDropped.WithLabelValues("wrong_channel").Inc()
		s.logger.Warn("dropping message for another channel", "channel_id", channelID, "message_channel", msg.ChannelID, "message_id", msg.ID)
		return
	}
	if err := msg.Validate(); err != nil {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		s.logger.Warn("dropping invalid message", "channel_id", channelID, "message_id", msg.ID, "error", err)
		return
	}

	c := s.cache(channelID)
	c.mu.Lock()
	result := c.insertLocked(msg)
	if result == duplicate {
		c.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		s.logger.Debug("duplicate message", "channel_id", channelID, "message_id", msg.ID)
		return
	}
	s.evictLocked(channelID, c)
	c.publishLocked()
	c.mu.Unlock()

	s.ackMu.RLock()
	ack := s.ack
	s.ackMu.RUnlock()
	if ack != nil {
		if err := ack.Acknowledge(channelID, msg.ID); err != nil {
			s.logger.Debug("acknowledgement not sent", "channel_id", channelID, "message_id", msg.ID, "error", err)
		}
	}
}

func (s *Synchronizer) evictLocked(channelID string, c *cache) {
	if n := c.evictLocked(s.cfg.CacheLimit, s.cfg.EvictBatch); n > 0 {
		metrics.CacheEvictions.Add(float64(n))
		s.logger.Debug("evicted oldest messages", "channel_id", channelID, "count", n)
	}
}

// updateStatus applies a receipt. Statuses never move backwards. messageID
// may be a server id or the correlation id of an optimistic send.
func (s *Synchronizer) updateStatus(channelID, messageID string, status models.MessageStatus) {
	c := s.cache(channelID)
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(func(m *models.Message) bool { return m.ID == messageID || m.ClientID == messageID })
	if c.advanceLocked(i, status) == updated {
		c.publishLocked()
	}
}

// AddPending inserts the optimistic copy of an outbound message.
func (s *Synchronizer) AddPending(msg models.Message) {
	msg.Status = models.StatusPending
	if msg.ID == "" {
		msg.ID = msg.ClientID
	}

	c := s.cache(msg.ChannelID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertLocked(msg) == duplicate {
		return
	}
	s.evictLocked(msg.ChannelID, c)
	c.publishLocked()
}

// MarkFailed flags a still-pending optimistic message as failed.
func (s *Synchronizer) MarkFailed(channelID, clientID string) {
	c := s.cache(channelID)
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(func(m *models.Message) bool { return m.ClientID == clientID })
	if i < 0 || c.messages[i].Status != models.StatusPending {
		return
	}
	c.messages[i].Status = models.StatusFailed
	c.publishLocked()
}

// Merge inserts a batch, such as a page of history fetched over REST, and
// publishes once. Invalid records are skipped. It returns how many
// entries were added or changed.
func (s *Synchronizer) Merge(channelID string, msgs []models.Message) int {
	c := s.cache(channelID)
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, msg := range msgs {
		if msg.ChannelID == "" {
			msg.ChannelID = channelID
		}
		if msg.ChannelID != channelID || msg.Validate() != nil {
			metrics.EventsDropped.WithLabelValues("invalid").Inc()
			continue
		}
		if c.insertLocked(msg) != duplicate {
			changed++
			s.evictLocked(channelID, c)
		}
	}
	if changed > 0 {
		c.publishLocked()
	}
	return changed
}

// Snapshot returns a copy of the channel's ordered messages.
func (s *Synchronizer) Snapshot(channelID string) []models.Message {
	s.mu.Lock()
	c, ok := s.caches[channelID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch streams the full ordered list after every change, starting with
// the current one.
func (s *Synchronizer) Watch(channelID string) (<-chan []models.Message, func()) {
	return s.cache(channelID).stream.Subscribe()
}

// WatchErrors streams the server error events of the channel.
func (s *Synchronizer) WatchErrors(channelID string) (<-chan error, func()) {
	return s.cache(channelID).errs.Subscribe()
}

// Drop releases the channel's cache and ends its streams.
func (s *Synchronizer) Drop(channelID string) {
	s.mu.Lock()
	c, ok := s.caches[channelID]
	delete(s.caches, channelID)
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// ChannelClosed releases the cache of a closed channel.
func (s *Synchronizer) ChannelClosed(channelID string) {
	s.Drop(channelID)
}

// Reset drops every cache.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	caches := s.caches
	s.caches = make(map[string]*cache)
	s.mu.Unlock()
	for _, c := range caches {
		c.close()
	}
}
