package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abdelmounim-dev/chatsync/models"
)

// Event is the decoded form of an inbound frame. Exactly one of the
// concrete types below is produced per frame.
type Event interface {
	Name() EventName
}

type ConnectedEvent struct{}

type JoinedEvent struct {
	ChannelID string
}

type NewMessageEvent struct {
	Message models.Message
}

// ReceiptEvent reports a delivered or read receipt for a message.
type ReceiptEvent struct {
	MessageID string
	UserID    string
	Status    models.MessageStatus
}

type TypingEvent struct {
	UserID string
	Typing bool
}

type MembershipEvent struct {
	UserID string
	Joined bool
}

type ErrorEvent struct {
	Code    string
	Message string
}

type HeartbeatEvent struct{}

// UnknownEvent carries frames with an unrecognized event name.
type UnknownEvent struct {
	Event EventName
	Data  json.RawMessage
}

func (ConnectedEvent) Name() EventName  { return EventConnected }
func (JoinedEvent) Name() EventName     { return EventJoinedGroup }
func (NewMessageEvent) Name() EventName { return EventNewMessage }
func (e ReceiptEvent) Name() EventName {
	if e.Status == models.StatusRead {
		return EventMessageRead
	}
	return EventMessageDelivered
}
func (e TypingEvent) Name() EventName {
	if e.Typing {
		return EventUserTyping
	}
	return EventUserStopTyping
}
func (e MembershipEvent) Name() EventName {
	if e.Joined {
		return EventUserJoined
	}
	return EventUserLeft
}
func (ErrorEvent) Name() EventName     { return EventError }
func (HeartbeatEvent) Name() EventName { return EventHeartbeat }
func (e UnknownEvent) Name() EventName { return e.Event }

// DecodeError reports a frame whose payload does not fit the schema of
// its event.
type DecodeError struct {
	Event EventName
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: decoding %s: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("protocol: decoding %s field %q: %v", e.Event, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errWrongType = errors.New("unexpected JSON type")

// Decode parses one inbound frame into its typed event. Field names are
// accepted in camelCase or snake_case, ids as numbers or strings, and
// timestamps as RFC 3339 strings or epoch seconds/milliseconds.
func Decode(frame []byte) (Event, error) {
	env, err := ParseEnvelope(frame)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.Event == "" {
		return nil, &DecodeError{Field: "event", Err: errors.New("missing event name")}
	}

	switch env.Event {
	case EventConnected:
		return ConnectedEvent{}, nil
	case EventHeartbeat:
		return HeartbeatEvent{}, nil
	case EventJoinedGroup:
		fields, err := decodeObject(env.Event, env.Data)
		if err != nil {
			return nil, err
		}
		id, err := fields.id(env.Event, "groupId", "group_id", "channelId")
		if err != nil {
			return nil, err
		}
		return JoinedEvent{ChannelID: id}, nil
	case EventNewMessage, EventMessageReceived:
		msg, err := DecodeMessage(env.Data)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				decodeErr.Event = env.Event
			}
			return nil, err
		}
		return NewMessageEvent{Message: msg}, nil
	case EventMessageDelivered, EventMessageRead:
		fields, err := decodeObject(env.Event, env.Data)
		if err != nil {
			return nil, err
		}
		messageID, err := fields.id(env.Event, "messageId", "message_id", "id")
		if err != nil {
			return nil, err
		}
		userID, err := fields.id(env.Event, "userId", "user_id", "readBy")
		if err != nil {
			return nil, err
		}
		status := models.StatusDelivered
		if env.Event == EventMessageRead {
			status = models.StatusRead
		}
		return ReceiptEvent{MessageID: messageID, UserID: userID, Status: status}, nil
	case EventUserTyping, EventUserStopTyping:
		userID, err := decodeUserID(env.Event, env.Data)
		if err != nil {
			return nil, err
		}
		return TypingEvent{UserID: userID, Typing: env.Event == EventUserTyping}, nil
	case EventUserJoined, EventUserLeft:
		userID, err := decodeUserID(env.Event, env.Data)
		if err != nil {
			return nil, err
		}
		return MembershipEvent{UserID: userID, Joined: env.Event == EventUserJoined}, nil
	case EventError:
		fields, err := decodeObject(env.Event, env.Data)
		if err != nil {
			return nil, err
		}
		message, err := fields.str(env.Event, "message", "error")
		if err != nil {
			return nil, err
		}
		code, err := fields.str(env.Event, "code")
		if err != nil {
			return nil, err
		}
		return ErrorEvent{Code: code, Message: message}, nil
	}

	return UnknownEvent{Event: env.Event, Data: env.Data}, nil
}

// DecodeMessage normalizes one message object, as found in new_message
// frames and REST history responses. It checks shape only; Validate
// applies the content rules.
func DecodeMessage(data json.RawMessage) (models.Message, error) {
	fields, err := decodeObject(EventNewMessage, data)
	if err != nil {
		return models.Message{}, err
	}
	// Some backends wrap the record as {"message": {...}}.
	if inner, ok := fields["message"]; ok && isObject(inner) {
		if fields, err = decodeObject(EventNewMessage, inner); err != nil {
			return models.Message{}, err
		}
	}

	var msg models.Message
	if msg.ID, err = fields.id(EventNewMessage, "id", "_id", "messageId", "message_id"); err != nil {
		return msg, err
	}
	if msg.ChannelID, err = fields.id(EventNewMessage, "groupId", "group_id", "channelId", "channel_id"); err != nil {
		return msg, err
	}
	if msg.SenderID, err = fields.id(EventNewMessage, "senderId", "sender_id", "userId", "user_id"); err != nil {
		return msg, err
	}
	if msg.SenderID == "" {
		if sender, ok := fields["sender"]; ok && isObject(sender) {
			senderFields, err := decodeObject(EventNewMessage, sender)
			if err != nil {
				return msg, err
			}
			if msg.SenderID, err = senderFields.id(EventNewMessage, "id", "_id"); err != nil {
				return msg, err
			}
		}
	}
	if msg.Content, err = fields.str(EventNewMessage, "content", "message", "text"); err != nil {
		return msg, err
	}
	if msg.Type, err = fields.str(EventNewMessage, "type", "messageType", "message_type"); err != nil {
		return msg, err
	}
	if msg.Type == "" {
		msg.Type = models.DefaultMessageType
	}
	if msg.ClientID, err = fields.str(EventNewMessage, "clientId", "client_id", "tempId"); err != nil {
		return msg, err
	}
	if msg.CreatedAt, err = fields.timestamp(EventNewMessage, "createdAt", "created_at", "timestamp"); err != nil {
		return msg, err
	}
	if raw, ok := fields["metadata"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &msg.Metadata); err != nil {
			return msg, &DecodeError{Event: EventNewMessage, Field: "metadata", Err: err}
		}
	}

	status, err := fields.str(EventNewMessage, "status")
	if err != nil {
		return msg, err
	}
	switch models.MessageStatus(status) {
	case models.StatusDelivered, models.StatusRead:
		msg.Status = models.MessageStatus(status)
	default:
		msg.Status = models.StatusSent
	}
	return msg, nil
}

// DecodeUser normalizes a user object as returned by auth/login.
func DecodeUser(data json.RawMessage) (models.User, error) {
	var user models.User
	fields, err := decodeObject("user", data)
	if err != nil {
		return user, err
	}
	if user.ID, err = fields.id("user", "id", "_id", "userId", "user_id"); err != nil {
		return user, err
	}
	if user.Username, err = fields.str("user", "username", "userName"); err != nil {
		return user, err
	}
	if user.Name, err = fields.str("user", "name", "fullName", "full_name", "displayName"); err != nil {
		return user, err
	}
	if user.Email, err = fields.str("user", "email"); err != nil {
		return user, err
	}
	return user, nil
}

func decodeUserID(event EventName, data json.RawMessage) (string, error) {
	fields, err := decodeObject(event, data)
	if err != nil {
		return "", err
	}
	userID, err := fields.id(event, "userId", "user_id", "id")
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", &DecodeError{Event: event, Field: "userId", Err: errors.New("missing")}
	}
	return userID, nil
}

type object map[string]json.RawMessage

func decodeObject(event EventName, data json.RawMessage) (object, error) {
	if len(bytes.TrimSpace(data)) == 0 || isNull(data) {
		return object{}, nil
	}
	var fields object
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Event: event, Err: err}
	}
	return fields, nil
}

// lookup returns the first present, non-null field among keys.
func (o object) lookup(keys ...string) (string, json.RawMessage, bool) {
	for _, key := range keys {
		if raw, ok := o[key]; ok && !isNull(raw) {
			return key, raw, true
		}
	}
	return "", nil, false
}

func (o object) id(event EventName, keys ...string) (string, error) {
	key, raw, ok := o.lookup(keys...)
	if !ok {
		return "", nil
	}
	id, err := decodeID(raw)
	if err != nil {
		return "", &DecodeError{Event: event, Field: key, Err: err}
	}
	return id, nil
}

func (o object) str(event EventName, keys ...string) (string, error) {
	key, raw, ok := o.lookup(keys...)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Event: event, Field: key, Err: errWrongType}
	}
	return s, nil
}

func (o object) timestamp(event EventName, keys ...string) (time.Time, error) {
	key, raw, ok := o.lookup(keys...)
	if !ok {
		return time.Time{}, nil
	}
	t, err := decodeTime(raw)
	if err != nil {
		return time.Time{}, &DecodeError{Event: event, Field: key, Err: err}
	}
	return t, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return "", err
		}
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return "", fmt.Errorf("non-integral id %s", n)
	}
	return "", errWrongType
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return time.Time{}, errWrongType
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return time.Time{}, ferr
		}
		v = int64(f)
	}
	// Values this large cannot be seconds within any plausible range.
	if v > 1e11 || v < -1e11 {
		return time.UnixMilli(v).UTC(), nil
	}
	return time.Unix(v, 0).UTC(), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
