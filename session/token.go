package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/abdelmounim-dev/chatsync/notify"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

var errNoExpiry = errors.New("token has no exp claim")

// Token is the current token pair. ExpiresAt is zero when the access token
// could not be decoded, which Expired treats as already expired.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token expires within skew of now.
func (t *Token) Expired(now time.Time, skew time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return true
	}
	return !t.ExpiresAt.After(now.Add(skew))
}

// ParseExpiry reads the exp claim of a JWT without verifying its
// signature. The client cannot verify it and only needs the deadline.
func ParseExpiry(accessToken string) (time.Time, error) {
	claims, err := unverifiedClaims(accessToken)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errNoExpiry
	}
	return exp.Time, nil
}

// Subject returns the sub claim of a JWT, or "" when unavailable.
func Subject(accessToken string) string {
	claims, err := unverifiedClaims(accessToken)
	if err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

func unverifiedClaims(accessToken string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenStore owns the in-memory token pair and publishes every change.
// Both tokens are always replaced together.
type TokenStore struct {
	mu      sync.RWMutex
	token   *Token
	changes *notify.Broadcaster[*Token]
}

func NewTokenStore() *TokenStore {
	return &TokenStore{changes: notify.NewBroadcaster[*Token]()}
}

// Set replaces both tokens. It reports whether the pair changed; an
// unchanged pair is not republished.
func (s *TokenStore) Set(accessToken, refreshToken string) (bool, error) {
	if accessToken == "" || refreshToken == "" {
		return false, &syncerr.ValidationError{Field: "tokens", Reason: "access and refresh tokens are both required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil && s.token.AccessToken == accessToken && s.token.RefreshToken == refreshToken {
		return false, nil
	}
	// A malformed token keeps a zero ExpiresAt and reads as expired.
	expiresAt, _ := ParseExpiry(accessToken)
	s.token = &Token{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}
	// Publishing under mu keeps the stream in the same order as the
	// stored values; Publish never blocks.
	s.changes.Publish(s.token.clone())
	return true, nil
}

// Current returns a copy of the token pair, or nil.
func (s *TokenStore) Current() *Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.clone()
}

// Clear drops both tokens and publishes nil if anything was stored.
func (s *TokenStore) Clear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.token != nil
	s.token = nil
	if had {
		s.changes.Publish(nil)
	}
	return had
}

// Changes subscribes to token changes. A nil value means the session
// ended (logout or forced logout after refresh failure).
func (s *TokenStore) Changes() (<-chan *Token, func()) {
	return s.changes.Subscribe()
}

func (s *TokenStore) close() {
	s.changes.Close()
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
