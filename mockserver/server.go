// Package mockserver is a development backend speaking the REST and
// realtime protocols the client expects: token login and refresh, message
// history, and a group chat over websockets that echoes sends back with
// their correlation ids.
package mockserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/protocol"
)

// RealtimePath is where the websocket endpoint is mounted.
const RealtimePath = "/ws"

// Option configures a Server.
type Option func(*Server)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRevocations sets where revoked token ids are kept. The default is
// in memory.
func WithRevocations(revocations Revocations) Option {
	return func(s *Server) { s.revocations = revocations }
}

// WithPrefix sets the REST path prefix. The default is "/api/v1".
func WithPrefix(prefix string) Option {
	return func(s *Server) { s.prefix = prefix }
}

// WithUser registers an account that can log in.
func WithUser(identifier, password string, user models.User) Option {
	return func(s *Server) {
		s.accounts[identifier] = account{password: password, user: user}
	}
}

type account struct {
	password string
	user     models.User
}

// Message is a chat message as the server keeps and sends it. Ids are
// numeric on the wire.
type Message struct {
	ID        int64           `json:"id"`
	GroupID   protocol.WireID `json:"groupId"`
	SenderID  protocol.WireID `json:"senderId"`
	Content   string          `json:"content"`
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Server holds accounts, message history and live connections.
type Server struct {
	cfg         config.AuthConfig
	prefix      string
	clock       clockwork.Clock
	logger      *slog.Logger
	revocations Revocations
	auth        *TokenIssuer
	upgrader    websocket.Upgrader

	accounts map[string]account

	mu       sync.Mutex
	nextID   int64
	history  map[string][]Message
	joins    map[string]int
	groups   map[string]map[*conn]struct{}
	conns    map[*conn]struct{}
	refusing atomic.Int32
}

func New(cfg config.AuthConfig, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		prefix:   "/api/v1",
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		accounts: make(map[string]account),
		nextID:   1000,
		history:  make(map[string][]Message),
		joins:    make(map[string]int),
		groups:   make(map[string]map[*conn]struct{}),
		conns:    make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.revocations == nil {
		s.revocations = NewMemoryRevocations()
	}
	s.logger = s.logger.With("component", "mockserver")
	s.auth = NewTokenIssuer(cfg, s.revocations, s.clock, s.logger)
	return s
}

// Issuer exposes the token issuer, for tests that need hand-made tokens.
func (s *Server) Issuer() *TokenIssuer { return s.auth }

// Handler routes REST calls under the prefix and the realtime endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(method, p string, h http.HandlerFunc) {
		mux.HandleFunc(method+" "+path.Join("/", s.prefix, p), h)
	}
	route(http.MethodPost, "auth/login", s.handleLogin)
	route(http.MethodPost, "auth/refresh", s.handleRefresh)
	route(http.MethodPost, "auth/logout", s.handleLogout)
	route(http.MethodGet, "groups/{id}/messages", s.handleHistory)
	route(http.MethodPost, "groups/{id}/messages", s.handlePost)
	mux.HandleFunc(RealtimePath, s.HandleWebSocket)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func bearer(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticate validates the request's bearer token of kind, answering 401
// itself when it is missing or invalid.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, kind string) (*CustomClaims, bool) {
	token := bearer(r)
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		writeError(w, http.StatusUnauthorized, "missing authentication token")
		return nil, false
	}
	claims, err := s.auth.ValidateToken(r.Context(), token, kind)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
		s.logger.Info("rejected token", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid authentication token")
		return nil, false
	}
	metrics.AuthSuccess.Inc()
	return claims, true
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrWrongKind):
		return "wrong_kind"
	}
	return "invalid_token"
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	acct, ok := s.accounts[req.Identifier]
	if !ok || acct.password != req.Password {
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	access, refresh, err := s.auth.IssuePair(acct.user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.AuthSuccess.Inc()
	s.logger.Info("user logged in", "user_id", acct.user.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"user": map[string]any{
			"id":       json.Number(acct.user.ID),
			"username": acct.user.Username,
			"name":     acct.user.Name,
			"email":    acct.user.Email,
		},
	})
}

// handleRefresh rotates the pair: the presented refresh token is revoked.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r, KindRefresh)
	if !ok {
		return
	}
	if err := s.auth.Revoke(r.Context(), claims); err != nil {
		s.logger.Error("failed to revoke refresh token", "error", err)
	}
	access, refresh, err := s.auth.IssuePair(claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access, "refresh_token": refresh})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r, KindAccess)
	if !ok {
		return
	}
	if err := s.auth.Revoke(r.Context(), claims); err != nil {
		s.logger.Error("failed to revoke access token", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r, KindAccess)
	if !ok {
		return
	}
	groupID := r.PathValue("id")
	if !claims.CanAccess("join", groupID) {
		writeError(w, http.StatusForbidden, "not a member of this group")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.Messages(groupID, limit)})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r, KindAccess)
	if !ok {
		return
	}
	groupID := r.PathValue("id")
	if !claims.CanAccess("join", groupID) {
		writeError(w, http.StatusForbidden, "not a member of this group")
		return
	}
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusUnprocessableEntity, "content is required")
		return
	}
	msg := s.store(groupID, claims.Subject, req.Content, req.Type, "", nil)
	s.broadcast(groupID, nil, protocol.EventNewMessage, msg)
	writeJSON(w, http.StatusCreated, msg)
}

// store appends a message to the group history.
func (s *Server) store(groupID, senderID, content, msgType, clientID string, metadata map[string]any) Message {
	if msgType == "" {
		msgType = models.DefaultMessageType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg := Message{
		ID:        s.nextID,
		GroupID:   protocol.WireID(groupID),
		SenderID:  protocol.WireID(senderID),
		Content:   content,
		Type:      msgType,
		ClientID:  clientID,
		CreatedAt: s.clock.Now().UTC(),
		Metadata:  metadata,
	}
	s.history[groupID] = append(s.history[groupID], msg)
	return msg
}

// Inject stores a message from senderID and pushes it to connected
// members, as if another client had sent it.
func (s *Server) Inject(groupID, senderID, content string) {
	msg := s.store(groupID, senderID, content, "", "", nil)
	s.broadcast(groupID, nil, protocol.EventNewMessage, msg)
}

// Messages returns the latest limit messages of the group, oldest first.
func (s *Server) Messages(groupID string, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.history[groupID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]Message{}, all...)
}

// Joins returns how many join_group frames the group has received.
func (s *Server) Joins(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins[groupID]
}

// RefuseRealtime makes websocket upgrades fail with status. Zero accepts
// again.
func (s *Server) RefuseRealtime(status int) {
	s.refusing.Store(int32(status))
}

// DropConnections closes every live websocket.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}
