package models

import (
	"errors"
	"time"
)

// MessageStatus is the delivery state of a message. Statuses only move
// forward: pending → sent → delivered → read. Failed applies to pending
// messages whose transmission was abandoned.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// DefaultMessageType is used when the server omits a message type.
const DefaultMessageType = "text"

func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Advances reports whether moving from s to next is forward progress.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// Message is a chat message in a channel.
type Message struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channel_id"`
	SenderID  string         `json:"sender_id"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Status    MessageStatus  `json:"status"`
	ClientID  string         `json:"client_id,omitempty"` // Correlation id of an optimistic send
	Metadata  map[string]any `json:"metadata,omitempty"`
}

var (
	ErrMissingID        = errors.New("message: missing id")
	ErrEmptyContent     = errors.New("message: empty content")
	ErrMissingSender    = errors.New("message: missing sender id")
	ErrMissingTimestamp = errors.New("message: missing timestamp")
)

// Validate applies the minimal checks a server message must pass before
// it is cached.
func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return ErrMissingID
	case m.Content == "":
		return ErrEmptyContent
	case m.SenderID == "" || m.SenderID == "0":
		return ErrMissingSender
	case m.CreatedAt.IsZero():
		return ErrMissingTimestamp
	}
	return nil
}

// Before orders messages by creation time, then id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
