package websocket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/protocol"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// Session supplies credentials for the handshake and the join frame.
// *session.Manager implements it.
type Session interface {
	EnsureReady(ctx context.Context) error
	ValidAccessToken(ctx context.Context) (string, error)
	CurrentUserID() string
}

// EventSink consumes decoded inbound events. Events of one channel are
// delivered in arrival order from a single goroutine.
type EventSink interface {
	HandleEvent(ctx context.Context, channelID string, event protocol.Event)
}

// ChannelCloser is implemented by sinks that hold per-channel state to be
// released when a channel is closed.
type ChannelCloser interface {
	ChannelClosed(channelID string)
}

// PendingTracker records optimistic sends.
type PendingTracker interface {
	AddPending(msg models.Message)
	MarkFailed(channelID, clientID string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving timers, tickers and activity stamps.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = dialer }
}

// WithSink registers an event sink.
func WithSink(sink EventSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sink) }
}

// WithPendingTracker sets where optimistic sends are recorded.
func WithPendingTracker(tracker PendingTracker) Option {
	return func(m *Manager) { m.tracker = tracker }
}

// Manager owns one realtime connection per channel.
type Manager struct {
	cfg     config.RealtimeConfig
	session Session
	clock   clockwork.Clock
	logger  *slog.Logger
	dialer  *websocket.Dialer

	sinksMu sync.RWMutex
	sinks   []EventSink
	tracker PendingTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	channels map[string]*Channel
	disposed bool
}

func NewManager(cfg config.RealtimeConfig, session Session, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		session:  session,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		}
	}
	m.logger = m.logger.With("component", "realtime")

	if cfg.HeartbeatInterval > 0 {
		m.spawn(m.heartbeatLoop)
	}
	if cfg.SweepInterval > 0 && cfg.IdleTimeout > 0 {
		m.spawn(m.sweepLoop)
	}
	return m
}

// spawn runs fn on a tracked goroutine unless the manager is disposed.
func (m *Manager) spawn(fn func()) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// Open makes sure channelID has a connection, creating the channel and
// connecting in the background if needed. There is never more than one
// connection per channel.
func (m *Manager) Open(ctx context.Context, channelID string) error {
	if channelID == "" {
		return &syncerr.ValidationError{Field: "channelId", Reason: "required"}
	}
	if err := m.session.EnsureReady(ctx); err != nil {
		return err
	}
	c, err := m.channel(channelID, true)
	if err != nil {
		return err
	}
	c.touch()
	c.start()
	return nil
}

// channel returns the channel record, creating it when create is set.
func (m *Manager) channel(channelID string, create bool) (*Channel, error) {
	m.mu.RLock()
	c, ok := m.channels[channelID]
	disposed := m.disposed
	m.mu.RUnlock()
	if ok {
		return c, nil
	}
	if disposed {
		return nil, &syncerr.ConnectionError{ChannelID: channelID, Terminal: true, Err: errDisposed}
	}
	if !create {
		return nil, &syncerr.ConnectionError{ChannelID: channelID, Err: errNotConnected}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, &syncerr.ConnectionError{ChannelID: channelID, Terminal: true, Err: errDisposed}
	}
	if c, ok := m.channels[channelID]; ok {
		return c, nil
	}
	c = newChannel(channelID, m)
	m.channels[channelID] = c
	metrics.ActiveChannels.Inc()
	m.logger.Debug("channel created", "channel_id", channelID)
	return c, nil
}

// Close sends leave_group, closes the connection and releases the channel
// and every sink's state for it.
func (m *Manager) Close(channelID string) {
	m.mu.Lock()
	c, ok := m.channels[channelID]
	if ok {
		delete(m.channels, channelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.close(true)
	metrics.ActiveChannels.Dec()

	m.sinksMu.RLock()
	sinks := m.sinks
	m.sinksMu.RUnlock()
	for _, sink := range sinks {
		if closer, ok := sink.(ChannelCloser); ok {
			closer.ChannelClosed(channelID)
		}
	}
	m.logger.Info("channel closed", "channel_id", channelID)
}

// Reconnect resets the channel's attempt counter and connects again. It is
// the only way out of StateFailed.
func (m *Manager) Reconnect(ctx context.Context, channelID string) error {
	if err := m.session.EnsureReady(ctx); err != nil {
		return err
	}
	c, err := m.channel(channelID, true)
	if err != nil {
		return err
	}
	c.touch()
	c.reconnect()
	return nil
}

// State returns the channel's state, or StateDisconnected if unknown.
func (m *Manager) State(channelID string) State {
	c, err := m.channel(channelID, false)
	if err != nil {
		return StateDisconnected
	}
	return c.State()
}

// Attempts returns the channel's automatic reconnect count.
func (m *Manager) Attempts(channelID string) int {
	c, err := m.channel(channelID, false)
	if err != nil {
		return 0
	}
	return c.Attempts()
}

// WatchStatus streams whether the channel is connected. The stream ends
// when the channel is closed.
func (m *Manager) WatchStatus(channelID string) (<-chan bool, func(), error) {
	c, err := m.channel(channelID, true)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.status.Subscribe()
	return ch, cancel, nil
}

// WatchState streams the channel's state machine transitions.
func (m *Manager) WatchState(channelID string) (<-chan State, func(), error) {
	c, err := m.channel(channelID, true)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.states.Subscribe()
	return ch, cancel, nil
}

// WatchErrors streams terminal connection errors and server error events.
func (m *Manager) WatchErrors(channelID string) (<-chan error, func(), error) {
	c, err := m.channel(channelID, true)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := c.errs.Subscribe()
	return ch, cancel, nil
}

// Channels returns the ids of all open channels.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) snapshot() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		channels = append(channels, c)
	}
	return channels
}

// heartbeatLoop writes a heartbeat on each live channel that has heard from
// the server recently. A silent channel gets no heartbeat so a dead
// connection is not kept looking alive.
func (m *Manager) heartbeatLoop() {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			now := m.clock.Now()
			for _, c := range m.snapshot() {
				if c.State() != StateConnected {
					continue
				}
				if now.Sub(c.lastInboundTime()) > m.cfg.HeartbeatActivityWindow {
					m.logger.Debug("skipping heartbeat on silent channel", "channel_id", c.ID)
					continue
				}
				beat := protocol.HeartbeatMessage{GroupID: protocol.WireID(c.ID), Timestamp: protocol.Timestamp(now)}
				if err := c.write(protocol.EventHeartbeat, beat); err != nil {
					m.logger.Warn("heartbeat failed", "channel_id", c.ID, "error", err)
				}
			}
		}
	}
}

// sweepLoop closes channels idle for longer than IdleTimeout.
func (m *Manager) sweepLoop() {
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			now := m.clock.Now()
			for _, c := range m.snapshot() {
				if idle := now.Sub(c.lastActivity()); idle > m.cfg.IdleTimeout {
					m.logger.Info("closing idle channel", "channel_id", c.ID, "idle", idle)
					m.Close(c.ID)
				}
			}
		}
	}
}

// Dispose closes every channel, stops the heartbeat and sweep loops and
// waits for all connection goroutines to exit.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("realtime manager disposed")
}
