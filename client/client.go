// Package client wires the session, REST, realtime, synchronization and
// presence components into one facade for an application to drive.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/api"
	"github.com/abdelmounim-dev/chatsync/broker"
	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/msgsync"
	"github.com/abdelmounim-dev/chatsync/presence"
	"github.com/abdelmounim-dev/chatsync/services"
	"github.com/abdelmounim-dev/chatsync/session"
	"github.com/abdelmounim-dev/chatsync/syncerr"
	"github.com/abdelmounim-dev/chatsync/websocket"
)

var errDisposed = errors.New("client disposed")

type options struct {
	clock      clockwork.Clock
	logger     *slog.Logger
	httpClient *http.Client
	dialer     *gorillaws.Dialer
	store      session.Store
	redis      *redis.Client
	broker     broker.MessageBroker
}

// Option configures a Client.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

func WithDialer(dialer *gorillaws.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithStore overrides the session store selected by storage.type.
func WithStore(store session.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRedis supplies the Redis client used by a redis session store or
// broker. The caller keeps ownership of it.
func WithRedis(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// WithBroker overrides the broker selected by broker.type. The caller
// keeps ownership of it.
func WithBroker(b broker.MessageBroker) Option {
	return func(o *options) { o.broker = b }
}

// Client is the application-facing facade. Create it with New, call Init
// or Login, then watch channels. Dispose releases everything.
type Client struct {
	cfg    *config.AppConfig
	clock  clockwork.Clock
	logger *slog.Logger

	exec     *api.Executor
	messages *api.MessagesClient
	session  *session.Manager
	realtime *websocket.Manager
	sync     *msgsync.Synchronizer
	presence *presence.Aggregator

	mirror     *broker.Mirror
	broker     broker.MessageBroker
	ownsBroker bool
	redis      *redis.Client
	ownsRedis  bool

	wg       sync.WaitGroup
	mu       sync.Mutex
	sources  map[string]*source
	disposed bool
}

// New builds every component from cfg. A Redis connection is opened when
// storage or the broker needs one and none was supplied.
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Client, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		clock:   o.clock,
		logger:  o.logger.With("component", "client"),
		redis:   o.redis,
		sources: make(map[string]*source),
	}

	needsRedis := (o.store == nil && cfg.Storage.Type == "redis") || (o.broker == nil && cfg.Broker.Type == "redis")
	if needsRedis && c.redis == nil {
		rdb, err := services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		c.redis, c.ownsRedis = rdb, true
	}

	store := o.store
	if store == nil {
		if cfg.Storage.Type == "redis" {
			store = session.NewRedisStore(c.redis, cfg.Storage.Namespace, cfg.Storage.TTL)
		} else {
			store = session.NewMemoryStore()
		}
	}

	execOpts := []api.Option{api.WithLogger(o.logger)}
	if o.httpClient != nil {
		execOpts = append(execOpts, api.WithHTTPClient(o.httpClient))
	}
	c.exec = api.NewExecutor(cfg.API, execOpts...)
	c.messages = api.NewMessagesClient(c.exec)
	c.session = session.NewManager(cfg.Session, store, api.NewAuthClient(c.exec),
		session.WithClock(o.clock), session.WithLogger(o.logger))
	c.exec.SetTokenSource(c.session)

	c.sync = msgsync.New(cfg.Sync, msgsync.WithLogger(o.logger))
	c.presence = presence.New(cfg.Presence, presence.WithClock(o.clock), presence.WithLogger(o.logger))

	wsOpts := []websocket.Option{
		websocket.WithClock(o.clock),
		websocket.WithLogger(o.logger),
		websocket.WithSink(c.sync),
		websocket.WithSink(c.presence),
		websocket.WithPendingTracker(c.sync),
	}
	if o.dialer != nil {
		wsOpts = append(wsOpts, websocket.WithDialer(o.dialer))
	}

	c.broker = o.broker
	if c.broker == nil {
		b, err := broker.New(cfg.Broker, c.redis, o.logger)
		if err != nil {
			c.closeRedis()
			return nil, fmt.Errorf("client: %w", err)
		}
		c.broker, c.ownsBroker = b, b != nil
	}
	if c.broker != nil {
		c.mirror = broker.NewMirror(c.broker, cfg.Broker.Topic, uuid.NewString(), o.clock, o.logger)
		wsOpts = append(wsOpts, websocket.WithSink(c.mirror))
	}

	c.realtime = websocket.NewManager(cfg.Realtime, c.session, wsOpts...)
	c.sync.SetAcknowledger(c.realtime)

	tokens, stop := c.session.TokenStream()
	c.wg.Add(1)
	go c.watchTokens(tokens, stop)
	return c, nil
}

// watchTokens closes every channel once the session loses its tokens,
// whether by logout or a rejected refresh.
func (c *Client) watchTokens(tokens <-chan *session.Token, stop func()) {
	defer c.wg.Done()
	defer stop()
	authenticated := false
	for token := range tokens {
		switch {
		case token != nil:
			authenticated = true
		case authenticated:
			authenticated = false
			c.logger.Info("session ended, closing channels")
			c.closeAll()
		}
	}
}

// Init restores a stored session, refreshing it if needed.
func (c *Client) Init(ctx context.Context) error {
	return c.session.EnsureReady(ctx)
}

// EnsureReady is an alias of Init for callers that gate each operation.
func (c *Client) EnsureReady(ctx context.Context) error {
	return c.session.EnsureReady(ctx)
}

func (c *Client) Login(ctx context.Context, identifier, password string) (*models.User, error) {
	return c.session.Login(ctx, identifier, password)
}

// Logout closes every channel, clears cached state and ends the session.
func (c *Client) Logout(ctx context.Context) error {
	c.closeAll()
	c.sync.Reset()
	c.presence.Reset()
	return c.session.Logout(ctx)
}

// TokenStream subscribes to token changes; nil means logged out.
func (c *Client) TokenStream() (<-chan *session.Token, func()) {
	return c.session.TokenStream()
}

// Authenticated reports whether the session holds a token pair.
func (c *Client) Authenticated() bool {
	return c.session.Authenticated()
}

func (c *Client) CurrentUser() *models.User {
	return c.session.CurrentUser()
}

// WatchMessages opens the channel and streams its ordered message list.
// History is loaded once; while the realtime connection is down the list
// is kept current by polling.
func (c *Client) WatchMessages(ctx context.Context, channelID string) (<-chan []models.Message, func(), error) {
	if channelID == "" {
		return nil, nil, &syncerr.ValidationError{Field: "channelId", Reason: "required"}
	}
	if err := c.session.EnsureReady(ctx); err != nil {
		return nil, nil, err
	}
	if !c.session.Authenticated() {
		return nil, nil, &syncerr.AuthenticationError{Reason: "not logged in"}
	}
	if err := c.realtime.Open(ctx, channelID); err != nil {
		return nil, nil, err
	}
	if err := c.startSource(channelID); err != nil {
		return nil, nil, err
	}
	ch, cancel := c.sync.Watch(channelID)
	return ch, cancel, nil
}

// Messages returns the current message list of a channel.
func (c *Client) Messages(channelID string) []models.Message {
	return c.sync.Snapshot(channelID)
}

func (c *Client) WatchConnectionStatus(channelID string) (<-chan bool, func(), error) {
	return c.realtime.WatchStatus(channelID)
}

func (c *Client) WatchConnectionState(channelID string) (<-chan websocket.State, func(), error) {
	return c.realtime.WatchState(channelID)
}

func (c *Client) WatchTyping(channelID string) (<-chan []string, func()) {
	return c.presence.WatchTyping(channelID)
}

func (c *Client) WatchMembers(channelID string) (<-chan []string, func()) {
	return c.presence.WatchMembers(channelID)
}

// WatchErrors streams terminal connection errors and server error events
// of a channel.
func (c *Client) WatchErrors(channelID string) (<-chan error, func(), error) {
	return c.realtime.WatchErrors(channelID)
}

func (c *Client) Send(ctx context.Context, channelID, content string, opts websocket.SendOptions) websocket.SendResult {
	return c.realtime.SendMessage(ctx, channelID, content, opts)
}

func (c *Client) SetTyping(channelID string, typing bool) error {
	return c.realtime.SendTyping(channelID, typing)
}

func (c *Client) MarkRead(channelID, messageID string) error {
	return c.realtime.MarkRead(channelID, messageID)
}

// Reconnect retries a channel manually, including one that has given up.
func (c *Client) Reconnect(ctx context.Context, channelID string) error {
	return c.realtime.Reconnect(ctx, channelID)
}

// Unsubscribe stops the channel's sources and closes it. Its streams end.
func (c *Client) Unsubscribe(channelID string) {
	c.mu.Lock()
	src := c.sources[channelID]
	delete(c.sources, channelID)
	c.mu.Unlock()

	if src != nil {
		src.stop()
	}
	c.realtime.Close(channelID)
}

func (c *Client) closeAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Unsubscribe(id)
	}
	for _, id := range c.realtime.Channels() {
		c.realtime.Close(id)
	}
}

// Dispose closes every channel, stops background work and releases the
// broker and Redis connections the client opened itself.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	sources := c.sources
	c.sources = make(map[string]*source)
	c.mu.Unlock()

	for _, src := range sources {
		src.cancel()
	}
	c.realtime.Dispose()
	c.session.Dispose()
	c.wg.Wait()

	if c.mirror != nil {
		c.mirror.Close()
	}
	if c.ownsBroker {
		if err := c.broker.Close(); err != nil {
			c.logger.Warn("failed to close broker", "error", err)
		}
	}
	c.sync.Reset()
	c.presence.Reset()
	c.closeRedis()
	c.logger.Info("client disposed")
}

func (c *Client) closeRedis() {
	if !c.ownsRedis {
		return
	}
	if err := services.CloseRedisClient(c.redis); err != nil {
		c.logger.Warn("failed to close redis client", "error", err)
	}
}
