package protocol

import (
	"encoding/json"
	"time"
)

// EventName identifies a realtime frame.
type EventName string

const (
	// Client -> Server
	EventJoinGroup        EventName = "join_group"
	EventSendMessage      EventName = "send_message"
	EventUserTyping       EventName = "user_typing"
	EventUserStopTyping   EventName = "user_stop_typing"
	EventMessageRead      EventName = "message_read"
	EventMessageDelivered EventName = "message_delivered"
	EventLeaveGroup       EventName = "leave_group"
	EventHeartbeat        EventName = "heartbeat"

	// Server -> Client (message_read, message_delivered, typing and
	// heartbeat are shared with the client direction)
	EventConnected       EventName = "connected"
	EventJoinedGroup     EventName = "joined_group"
	EventNewMessage      EventName = "new_message"
	EventMessageReceived EventName = "message_received"
	EventUserJoined      EventName = "user_joined"
	EventUserLeft        EventName = "user_left"
	EventError           EventName = "error"
)

// Envelope wraps every realtime frame with its event name.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with the given event and payload.
func NewEnvelope(event EventName, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Event: event,
		Data:  raw,
	}, nil
}

// ParseEnvelope parses a frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// WireID is an identifier that the backend may represent as a JSON number
// or string. Purely numeric ids are written as numbers.
type WireID string

func (id WireID) MarshalJSON() ([]byte, error) {
	s := string(id)
	if isNumeric(s) {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

func isNumeric(s string) bool {
	if s == "" || len(s) > 18 || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Timestamp returns t as epoch milliseconds, the representation used by
// every outbound frame.
func Timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

// JoinGroupMessage is sent right after a channel connects.
type JoinGroupMessage struct {
	GroupID   WireID `json:"groupId"`
	UserID    WireID `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// SendMessageMessage transmits a chat message. MessageID carries the
// client correlation id so the server echo can be reconciled.
type SendMessageMessage struct {
	GroupID   WireID         `json:"groupId"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	SenderID  WireID         `json:"senderId"`
	MessageID string         `json:"messageId"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TypingMessage is sent as user_typing or user_stop_typing.
type TypingMessage struct {
	GroupID WireID `json:"groupId"`
	UserID  WireID `json:"userId"`
}

// ReceiptMessage is sent as message_read or message_delivered.
type ReceiptMessage struct {
	GroupID   WireID `json:"groupId"`
	MessageID WireID `json:"messageId"`
	UserID    WireID `json:"userId"`
}

// LeaveGroupMessage is sent when a channel is closed deliberately.
type LeaveGroupMessage struct {
	GroupID WireID `json:"groupId"`
}

// HeartbeatMessage keeps a live channel's server session warm.
type HeartbeatMessage struct {
	GroupID   WireID `json:"groupId"`
	Timestamp int64  `json:"timestamp"`
}
