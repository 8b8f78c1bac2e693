package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/retry"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// ErrDisposed is returned by operations on a disposed Manager.
var ErrDisposed = errors.New("session: manager disposed")

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for expiry checks and the refresh timer.
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

// Manager owns the session lifecycle: one-time initialization from secure
// storage, proactive token refresh and login/logout.
type Manager struct {
	cfg    config.SessionConfig
	store  Store
	auth   Authenticator
	tokens *TokenStore
	clock  clockwork.Clock
	logger *slog.Logger

	// Init and refresh each run at most once at a time; concurrent
	// callers share the in-flight result.
	group singleflight.Group

	// ctx outlives any single caller so a shared init or refresh is not
	// cancelled by the caller that happened to start it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	user     *models.User
	timer    clockwork.Timer
	disposed bool
}

func NewManager(cfg config.SessionConfig, store Store, auth Authenticator, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		store:  store,
		auth:   auth,
		tokens: NewTokenStore(),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		state:  StateUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// EnsureReady returns once the session is initialized. Concurrent callers
// wait on the same initialization. A failed session is initialized again.
func (m *Manager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("init", func() (any, error) {
		return nil, m.initialize()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) initialize() error {
	m.setState(StateInitializing)
	m.logger.Debug("initializing session")

	creds, err := m.store.LoadTokens(m.ctx)
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	user, err := m.store.LoadUser(m.ctx)
	if err != nil {
		m.logger.Warn("failed to load cached user", "error", err)
	}
	m.mu.Lock()
	m.user = user
	m.mu.Unlock()

	if creds != nil && creds.AccessToken != "" && creds.RefreshToken != "" {
		if _, err := m.tokens.Set(creds.AccessToken, creds.RefreshToken); err != nil {
			m.setState(StateFailed)
			return err
		}
	}

	if token := m.tokens.Current(); token != nil && token.Expired(m.clock.Now(), m.cfg.ExpirySkew) {
		m.logger.Info("stored access token expired, refreshing")
		if err := m.Refresh(m.ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	m.state = StateReady
	m.scheduleLocked()
	m.logger.Info("session ready", "authenticated", m.tokens.Current() != nil)
	return nil
}

// SetTokens replaces both tokens, persists them and re-arms the refresh
// timer. Setting the current pair again is a no-op.
func (m *Manager) SetTokens(ctx context.Context, accessToken, refreshToken string) error {
	changed, err := m.tokens.Set(accessToken, refreshToken)
	if err != nil || !changed {
		return err
	}
	if err := m.store.SaveTokens(ctx, Credentials{AccessToken: accessToken, RefreshToken: refreshToken}); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitializing {
		m.state = StateReady
	}
	m.scheduleLocked()
	return nil
}

// ScheduleRefresh arms a one-shot refresh RefreshBefore ahead of the
// access token's expiry, or immediately when already inside that window.
func (m *Manager) ScheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked()
}

func (m *Manager) scheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.disposed {
		return
	}
	token := m.tokens.Current()
	// An undecodable expiry is refreshed on demand by ValidAccessToken.
	if token == nil || token.ExpiresAt.IsZero() {
		return
	}

	delay := token.ExpiresAt.Sub(m.clock.Now()) - m.cfg.RefreshBefore
	if delay <= 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.scheduledRefresh()
		}()
		return
	}
	m.logger.Debug("refresh scheduled", "in", delay)
	m.timer = m.clock.AfterFunc(delay, m.scheduledRefresh)
}

func (m *Manager) scheduledRefresh() {
	if err := m.Refresh(m.ctx); err != nil {
		m.logger.Warn("scheduled token refresh failed", "error", err)
	}
}

// Refresh exchanges the refresh token for a new pair. Concurrent calls
// share one request. Transient failures are retried with linear backoff;
// when retries run out the session fails and the token stream receives nil.
func (m *Manager) Refresh(ctx context.Context) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return nil, m.refresh()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refresh() error {
	token := m.tokens.Current()
	if token == nil {
		return &syncerr.AuthenticationError{Reason: "no refresh token"}
	}

	var creds *Credentials
	policy := retry.Policy{
		Attempts:  m.cfg.RefreshRetries + 1,
		Base:      m.cfg.RefreshRetryBase,
		Retryable: func(err error) bool { return !rejected(err) },
		Clock:     m.clock,
	}
	attempts, err := retry.Do(m.ctx, policy, func(int) error {
		var err error
		creds, err = m.auth.Refresh(m.ctx, token.RefreshToken)
		return err
	}, func(err error, next time.Duration) {
		m.logger.Warn("token refresh failed, retrying", "error", err, "next", next)
	})

	if err != nil {
		if m.ctx.Err() != nil {
			return ErrDisposed
		}
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		m.logger.Error("token refresh failed, ending session", "attempts", attempts, "error", err)
		m.fail()
		return &syncerr.AuthenticationError{Reason: "token refresh failed", Err: err}
	}

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	if err := m.SetTokens(m.ctx, creds.AccessToken, creds.RefreshToken); err != nil {
		return err
	}
	m.logger.Info("tokens refreshed", "attempts", attempts)
	return nil
}

// rejected reports whether the server refused the refresh token itself,
// which no amount of retrying can fix.
func rejected(err error) bool {
	if syncerr.IsAuthentication(err) {
		return true
	}
	var validationErr *syncerr.ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	var serverErr *syncerr.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.StatusCode == http.StatusUnauthorized || serverErr.StatusCode == http.StatusForbidden
	}
	return false
}

// fail is the forced logout after an unrecoverable refresh.
func (m *Manager) fail() {
	m.mu.Lock()
	m.state = StateFailed
	m.user = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.tokens.Clear()
	m.clearStore(m.ctx)
}

// ValidAccessToken returns an access token that is not about to expire,
// refreshing first when needed.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	token := m.tokens.Current()
	if token == nil {
		return "", &syncerr.AuthenticationError{Reason: "not logged in"}
	}
	if !token.Expired(m.clock.Now(), m.cfg.ExpirySkew) {
		return token.AccessToken, nil
	}

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}
	token = m.tokens.Current()
	if token == nil {
		return "", &syncerr.AuthenticationError{Reason: "session ended during refresh"}
	}
	return token.AccessToken, nil
}

// Login authenticates with the backend and stores the resulting session.
func (m *Manager) Login(ctx context.Context, identifier, password string) (*models.User, error) {
	if identifier == "" {
		return nil, &syncerr.ValidationError{Field: "identifier", Reason: "required"}
	}
	if password == "" {
		return nil, &syncerr.ValidationError{Field: "password", Reason: "required"}
	}

	res, err := m.auth.Login(ctx, identifier, password)
	if err != nil {
		return nil, err
	}
	if err := m.SetTokens(ctx, res.AccessToken, res.RefreshToken); err != nil {
		return nil, err
	}

	if res.User != nil {
		if err := m.store.SaveUser(ctx, res.User); err != nil {
			m.logger.Warn("failed to cache user", "error", err)
		}
		m.mu.Lock()
		u := *res.User
		m.user = &u
		m.mu.Unlock()
	}
	m.logger.Info("logged in", "user_id", m.CurrentUserID())
	return m.CurrentUser(), nil
}

// Logout notifies the backend on a best-effort basis, then clears the
// local session. The token stream receives nil.
func (m *Manager) Logout(ctx context.Context) error {
	if token := m.tokens.Current(); token != nil {
		if err := m.auth.Logout(ctx, token.AccessToken); err != nil {
			m.logger.Warn("logout request failed", "error", err)
		}
	}

	m.mu.Lock()
	m.user = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.tokens.Clear()
	return m.clearStore(ctx)
}

func (m *Manager) clearStore(ctx context.Context) error {
	errTokens := m.store.ClearTokens(ctx)
	errUser := m.store.ClearUser(ctx)
	if err := errors.Join(errTokens, errUser); err != nil {
		m.logger.Warn("failed to clear stored session", "error", err)
		return err
	}
	return nil
}

// CurrentUser returns a copy of the cached user, or nil.
func (m *Manager) CurrentUser() *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// CurrentUserID returns the cached user's id, falling back to the access
// token's subject.
func (m *Manager) CurrentUserID() string {
	if u := m.CurrentUser(); u != nil && u.ID != "" {
		return u.ID
	}
	if token := m.tokens.Current(); token != nil {
		return Subject(token.AccessToken)
	}
	return ""
}

// Authenticated reports whether a token pair is held.
func (m *Manager) Authenticated() bool {
	return m.tokens.Current() != nil
}

// Tokens exposes the underlying TokenStore.
func (m *Manager) Tokens() *TokenStore {
	return m.tokens
}

// TokenStream subscribes to token changes; nil means logged out.
func (m *Manager) TokenStream() (<-chan *Token, func()) {
	return m.tokens.Changes()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Dispose stops the refresh timer, cancels in-flight work and closes the
// token stream.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.tokens.close()
}
