// Package presence tracks who is typing and who is present in each
// channel. Typing entries expire on their own unless refreshed.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/notify"
	"github.com/abdelmounim-dev/chatsync/protocol"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithClock(clock clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

type typingEntry struct {
	timer clockwork.Timer
	seq   uint64
}

type room struct {
	mu      sync.Mutex
	typing  map[string]typingEntry
	members map[string]struct{}
	seq     uint64
	closed  bool

	typingStream *notify.Broadcaster[[]string]
	memberStream *notify.Broadcaster[[]string]
}

func newRoom() *room {
	r := &room{
		typing:       make(map[string]typingEntry),
		members:      make(map[string]struct{}),
		typingStream: notify.NewBroadcaster[[]string](),
		memberStream: notify.NewBroadcaster[[]string](),
	}
	r.typingStream.Publish([]string{})
	r.memberStream.Publish([]string{})
	return r
}

func (r *room) typingLocked() []string {
	users := make([]string, 0, len(r.typing))
	for id := range r.typing {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (r *room) membersLocked() []string {
	users := make([]string, 0, len(r.members))
	for id := range r.members {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (r *room) close() {
	r.mu.Lock()
	r.closed = true
	for id, entry := range r.typing {
		entry.timer.Stop()
		delete(r.typing, id)
	}
	r.mu.Unlock()
	r.typingStream.Close()
	r.memberStream.Close()
}

// Aggregator holds one room per channel, each with its own lock.
type Aggregator struct {
	cfg    config.PresenceConfig
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

func New(cfg config.PresenceConfig, opts ...Option) *Aggregator {
	a := &Aggregator{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "presence")
	return a
}

func (a *Aggregator) room(channelID string) *room {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rooms[channelID]
	if !ok {
		r = newRoom()
		a.rooms[channelID] = r
	}
	return r
}

// SetTyping adds or removes userID from the channel's typing set. Each
// typing signal re-arms the entry's expiry.
func (a *Aggregator) SetTyping(channelID, userID string, typing bool) {
	if userID == "" {
		return
	}
	r := a.room(channelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	entry, present := r.typing[userID]
	if present {
		entry.timer.Stop()
	}
	if !typing {
		if present {
			delete(r.typing, userID)
			r.typingStream.Publish(r.typingLocked())
		}
		return
	}

	r.seq++
	seq := r.seq
	r.typing[userID] = typingEntry{
		seq:   seq,
		timer: a.clock.AfterFunc(a.cfg.TypingTimeout, func() { a.expire(r, channelID, userID, seq) }),
	}
	if !present {
		r.typingStream.Publish(r.typingLocked())
	}
}

// expire removes userID unless the entry was re-armed since seq.
func (a *Aggregator) expire(r *room, channelID, userID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.typing[userID]
	if r.closed || !ok || entry.seq != seq {
		return
	}
	delete(r.typing, userID)
	r.typingStream.Publish(r.typingLocked())
	a.logger.Debug("typing expired", "channel_id", channelID, "user_id", userID)
}

// SetMember records userID joining or leaving the channel. Leaving also
// clears any typing entry.
func (a *Aggregator) SetMember(channelID, userID string, joined bool) {
	if userID == "" {
		return
	}
	r := a.room(channelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	_, present := r.members[userID]
	switch {
	case joined && !present:
		r.members[userID] = struct{}{}
	case !joined && present:
		delete(r.members, userID)
	default:
		return
	}
	r.memberStream.Publish(r.membersLocked())

	if entry, ok := r.typing[userID]; ok && !joined {
		entry.timer.Stop()
		delete(r.typing, userID)
		r.typingStream.Publish(r.typingLocked())
	}
}

// HandleEvent applies typing, membership and message events. A message
// from a user ends their typing entry.
func (a *Aggregator) HandleEvent(_ context.Context, channelID string, event protocol.Event) {
	switch e := event.(type) {
	case protocol.TypingEvent:
		a.SetTyping(channelID, e.UserID, e.Typing)
	case protocol.MembershipEvent:
		a.SetMember(channelID, e.UserID, e.Joined)
	case protocol.NewMessageEvent:
		a.mu.Lock()
		_, known := a.rooms[channelID]
		a.mu.Unlock()
		if known {
			a.SetTyping(channelID, e.Message.SenderID, false)
		}
	}
}

// Typing returns the sorted ids of users typing in the channel.
func (a *Aggregator) Typing(channelID string) []string {
	r := a.room(channelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingLocked()
}

// Members returns the sorted ids of users seen joining the channel.
func (a *Aggregator) Members(channelID string) []string {
	r := a.room(channelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

// WatchTyping streams the sorted typing set on every change.
func (a *Aggregator) WatchTyping(channelID string) (<-chan []string, func()) {
	return a.room(channelID).typingStream.Subscribe()
}

// WatchMembers streams the sorted member set on every change.
func (a *Aggregator) WatchMembers(channelID string) (<-chan []string, func()) {
	return a.room(channelID).memberStream.Subscribe()
}

// Drop stops the channel's expiry timers and ends its streams.
func (a *Aggregator) Drop(channelID string) {
	a.mu.Lock()
	r, ok := a.rooms[channelID]
	delete(a.rooms, channelID)
	a.mu.Unlock()
	if ok {
		r.close()
	}
}

// ChannelClosed releases the state of a closed channel.
func (a *Aggregator) ChannelClosed(channelID string) {
	a.Drop(channelID)
}

// Reset drops every channel.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	rooms := a.rooms
	a.rooms = make(map[string]*room)
	a.mu.Unlock()
	for _, r := range rooms {
		r.close()
	}
}
