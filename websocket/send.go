package websocket

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/protocol"
	"github.com/abdelmounim-dev/chatsync/retry"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// SendOptions are the optional parts of an outbound message.
type SendOptions struct {
	// Type defaults to "text".
	Type     string
	Metadata map[string]any
}

// SendResult is the outcome of SendMessage. Failures are reported here
// rather than as a returned error so callers can render them per message.
type SendResult struct {
	// Message is the optimistic record. Its ID is the client correlation
	// id until the server echo replaces it.
	Message  models.Message
	Attempts int
	// Err is nil on success, otherwise a *syncerr.SendError.
	Err error
}

func (r SendResult) OK() bool { return r.Err == nil }

// Retryable reports whether sending the same content again may succeed.
func (r SendResult) Retryable() bool {
	return r.Err != nil && syncerr.IsRetryable(r.Err)
}

// SendMessage validates, sanitizes and transmits a chat message. A pending
// copy is recorded with the tracker before the first attempt and marked
// failed if every attempt fails.
func (m *Manager) SendMessage(ctx context.Context, channelID, content string, opts SendOptions) SendResult {
	fail := func(err error) SendResult {
		metrics.SendOutcomes.WithLabelValues("rejected").Inc()
		return SendResult{Err: &syncerr.SendError{ChannelID: channelID, Err: err}}
	}

	if channelID == "" {
		return fail(&syncerr.ValidationError{Field: "channelId", Reason: "required"})
	}
	if strings.TrimSpace(content) == "" {
		return fail(&syncerr.ValidationError{Field: "content", Reason: "must not be empty"})
	}
	if _, err := m.session.ValidAccessToken(ctx); err != nil {
		return fail(err)
	}
	senderID := m.session.CurrentUserID()
	if senderID == "" {
		return fail(&syncerr.AuthenticationError{Reason: "no current user"})
	}

	msgType := opts.Type
	if msgType == "" {
		msgType = models.DefaultMessageType
	}
	clientID := uuid.NewString()
	msg := models.Message{
		ID:        clientID,
		ClientID:  clientID,
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   protocol.SanitizeContent(content, m.cfg.MaxContentLength),
		Type:      msgType,
		CreatedAt: m.clock.Now(),
		Status:    models.StatusPending,
		Metadata:  opts.Metadata,
	}

	m.sinksMu.RLock()
	tracker := m.tracker
	m.sinksMu.RUnlock()
	if tracker != nil {
		tracker.AddPending(msg)
	}

	frame := protocol.SendMessageMessage{
		GroupID:   protocol.WireID(channelID),
		Content:   msg.Content,
		Type:      msg.Type,
		SenderID:  protocol.WireID(senderID),
		MessageID: clientID,
		Timestamp: protocol.Timestamp(msg.CreatedAt),
		Metadata:  msg.Metadata,
	}
	policy := retry.Policy{Attempts: m.cfg.SendAttempts, Base: m.cfg.SendBaseDelay, Clock: m.clock}
	attempts, err := retry.Do(ctx, policy, func(int) error {
		return m.write(channelID, protocol.EventSendMessage, frame)
	}, func(err error, next time.Duration) {
		m.logger.Debug("send failed, retrying", "channel_id", channelID, "client_id", clientID, "next", next, "error", err)
	})

	if err != nil {
		if tracker != nil {
			tracker.MarkFailed(channelID, clientID)
		}
		msg.Status = models.StatusFailed
		metrics.SendOutcomes.WithLabelValues("failed").Inc()
		m.logger.Warn("message not sent", "channel_id", channelID, "client_id", clientID, "attempts", attempts, "error", err)
		return SendResult{
			Message:  msg,
			Attempts: attempts,
			Err:      &syncerr.SendError{ChannelID: channelID, ClientID: clientID, Attempts: attempts, Err: err},
		}
	}

	metrics.SendOutcomes.WithLabelValues("sent").Inc()
	return SendResult{Message: msg, Attempts: attempts}
}

// SendTyping emits user_typing or user_stop_typing.
func (m *Manager) SendTyping(channelID string, typing bool) error {
	event := protocol.EventUserStopTyping
	if typing {
		event = protocol.EventUserTyping
	}
	return m.write(channelID, event, protocol.TypingMessage{
		GroupID: protocol.WireID(channelID),
		UserID:  protocol.WireID(m.session.CurrentUserID()),
	})
}

// MarkRead emits message_read for messageID.
func (m *Manager) MarkRead(channelID, messageID string) error {
	return m.receipt(channelID, messageID, protocol.EventMessageRead)
}

// Acknowledge confirms receipt of messageID with message_delivered.
func (m *Manager) Acknowledge(channelID, messageID string) error {
	return m.receipt(channelID, messageID, protocol.EventMessageDelivered)
}

func (m *Manager) receipt(channelID, messageID string, event protocol.EventName) error {
	if messageID == "" {
		return &syncerr.ValidationError{Field: "messageId", Reason: "required"}
	}
	return m.write(channelID, event, protocol.ReceiptMessage{
		GroupID:   protocol.WireID(channelID),
		MessageID: protocol.WireID(messageID),
		UserID:    protocol.WireID(m.session.CurrentUserID()),
	})
}

func (m *Manager) write(channelID string, event protocol.EventName, payload any) error {
	c, err := m.channel(channelID, false)
	if err != nil {
		return err
	}
	if event != protocol.EventHeartbeat {
		c.touch()
	}
	return c.write(event, payload)
}
