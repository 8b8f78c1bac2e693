package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/notify"
	"github.com/abdelmounim-dev/chatsync/protocol"
	"github.com/abdelmounim-dev/chatsync/retry"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// State is the connection state of one channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed is reached once automatic reconnects are exhausted. Only
	// a manual Reconnect leaves it.
	StateFailed State = "failed"
)

var (
	errNotConnected = errors.New("channel not connected")
	errDisposed     = errors.New("realtime manager disposed")
)

// Channel is the realtime connection of one conversation.
type Channel struct {
	ID string
	m  *Manager

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64 // bumped per connection attempt; stale goroutines compare against it
	attempts       int
	backoff        backoff.BackOff
	reconnectTimer clockwork.Timer
	closed         bool

	// writeMu serializes every frame written to conn.
	writeMu sync.Mutex

	lastInbound atomic.Int64 // unix nanos of the last frame received
	lastUsed    atomic.Int64 // unix nanos of the last local use

	status *notify.Broadcaster[bool]
	states *notify.Broadcaster[State]
	errs   *notify.Broadcaster[error]
}

func newChannel(id string, m *Manager) *Channel {
	c := &Channel{
		ID:      id,
		m:       m,
		state:   StateDisconnected,
		backoff: retry.NewLinear(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, 0),
		status:  notify.NewBroadcaster[bool](),
		states:  notify.NewBroadcaster[State](),
		errs:    notify.NewBroadcaster[error](),
	}
	c.status.Publish(false)
	c.states.Publish(StateDisconnected)
	c.touch()
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of automatic reconnects since the last
// successful connection or manual reconnect.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.states.Publish(state)
	c.status.Publish(state == StateConnected)
}

// touch records local use for the idle sweep.
func (c *Channel) touch() {
	c.lastUsed.Store(c.m.clock.Now().UnixNano())
}

func (c *Channel) touchInbound() {
	c.lastInbound.Store(c.m.clock.Now().UnixNano())
}

func (c *Channel) lastInboundTime() time.Time {
	return time.Unix(0, c.lastInbound.Load())
}

// lastActivity is the later of the last inbound frame and the last local use.
func (c *Channel) lastActivity() time.Time {
	inbound, used := c.lastInbound.Load(), c.lastUsed.Load()
	if inbound > used {
		return time.Unix(0, inbound)
	}
	return time.Unix(0, used)
}

// start connects a disconnected channel. It is a no-op while a connection
// exists or is being established.
func (c *Channel) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateDisconnected {
		return
	}
	c.beginConnectLocked()
}

// beginConnectLocked moves to connecting and dials in the background.
func (c *Channel) beginConnectLocked() {
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	if !c.m.spawn(func() { c.connect(gen) }) {
		c.setStateLocked(StateDisconnected)
	}
}

func (c *Channel) connect(gen uint64) {
	logger := c.m.logger.With("channel_id", c.ID)

	ctx, cancel := context.WithTimeout(c.m.ctx, c.m.cfg.ConnectTimeout)
	conn, err := c.m.dial(ctx, c.ID)
	cancel()
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		c.connectionLost(gen, err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// The join goes out before the channel accepts sends.
	join := protocol.JoinGroupMessage{
		GroupID:   protocol.WireID(c.ID),
		UserID:    protocol.WireID(c.m.session.CurrentUserID()),
		Timestamp: protocol.Timestamp(c.m.clock.Now()),
	}
	if err := c.writeConn(conn, protocol.EventJoinGroup, join); err != nil {
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		conn.Close()
		c.connectionLost(gen, err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("success").Inc()
	c.touchInbound()
	logger.Info("channel connected")

	if !c.m.spawn(func() { c.m.readLoop(c, conn, gen) }) {
		conn.Close()
	}
}

// connectionLost handles a failed dial or a dropped connection of
// generation gen. It schedules a reconnect, or fails the channel when the
// attempt ceiling is reached or the failure is not retryable.
func (c *Channel) connectionLost(gen uint64, cause error) {
	logger := c.m.logger.With("channel_id", c.ID)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	limit := c.m.cfg.MaxReconnectAttempts
	if !syncerr.IsRetryable(cause) || (limit > 0 && c.attempts >= limit) {
		c.setStateLocked(StateFailed)
		attempts := c.attempts
		c.mu.Unlock()

		metrics.ChannelsFailed.Inc()
		logger.Error("channel failed, giving up", "attempts", attempts, "error", cause)
		c.errs.Publish(&syncerr.ConnectionError{ChannelID: c.ID, Terminal: true, Err: cause})
		return
	}

	delay := c.backoff.NextBackOff()
	c.attempts++
	attempt := c.attempts
	c.setStateLocked(StateReconnecting)
	c.reconnectTimer = c.m.clock.AfterFunc(delay, func() { c.reconnectDue(gen) })
	c.mu.Unlock()

	metrics.Reconnects.Inc()
	logger.Warn("channel disconnected, reconnecting", "attempt", attempt, "in", delay, "error", cause)
}

func (c *Channel) reconnectDue(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.reconnectTimer = nil
	c.beginConnectLocked()
}

// reconnect resets the attempt counter and connects again unless a
// connection is live or being established.
func (c *Channel) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.attempts = 0
	c.backoff.Reset()
	switch c.state {
	case StateConnected, StateConnecting:
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.beginConnectLocked()
}

// write sends one frame if the channel is connected.
func (c *Channel) write(event protocol.EventName, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return &syncerr.ConnectionError{ChannelID: c.ID, Err: errNotConnected}
	}
	return c.writeConn(conn, event, payload)
}

func (c *Channel) writeConn(conn *websocket.Conn, event protocol.EventName, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.m.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.m.cfg.WriteTimeout))
	}
	if err := conn.WriteJSON(env); err != nil {
		return &syncerr.ConnectionError{ChannelID: c.ID, Err: err}
	}
	metrics.FramesSent.WithLabelValues(string(event)).Inc()
	return nil
}

// close tears the channel down. With leave set, a leave_group frame is sent
// first if the channel is connected.
func (c *Channel) close(leave bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn, state := c.conn, c.state
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		if leave && state == StateConnected {
			if err := c.writeConn(conn, protocol.EventLeaveGroup, protocol.LeaveGroupMessage{GroupID: protocol.WireID(c.ID)}); err != nil {
				c.m.logger.Debug("leave_group not sent", "channel_id", c.ID, "error", err)
			}
		}
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "channel closed"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.status.Close()
	c.states.Close()
	c.errs.Close()
}
