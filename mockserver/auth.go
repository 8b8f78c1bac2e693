package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/config"
)

// Token kinds carried in the kind claim.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

var (
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrWrongKind    = errors.New("wrong token kind")
)

// CustomClaims defines the structure of the JWT claims issued by the
// server. The jti is what revocation is keyed on.
type CustomClaims struct {
	Scopes []string `json:"scopes"`
	Kind   string   `json:"kind"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the claims grant action on resource. A scope
// is "action:resource"; a resource ending in "*" matches by prefix.
func (c *CustomClaims) CanAccess(action, resource string) bool {
	if c == nil {
		return false
	}
	for _, scope := range c.Scopes {
		scopeAction, pattern, ok := strings.Cut(scope, ":")
		if !ok || scopeAction != action {
			continue
		}
		if pattern == resource {
			return true
		}
		if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard && strings.HasPrefix(resource, prefix) {
			return true
		}
	}
	return false
}

// Revocations is the list of revoked token ids.
type Revocations interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// RedisRevocations keeps revoked ids as expiring Redis keys under prefix.
type RedisRevocations struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocations(client *redis.Client, prefix string) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: prefix}
}

func (r *RedisRevocations) key(jti string) string {
	return fmt.Sprintf("%s:%s", r.prefix, jti)
}

func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.key(jti), 1, ttl).Err()
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}

// MemoryRevocations keeps revoked ids in process.
type MemoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]struct{}
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]struct{})}
}

func (r *MemoryRevocations) Revoke(_ context.Context, jti string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jti] = struct{}{}
	return nil
}

func (r *MemoryRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[jti]
	return ok, nil
}

// TokenIssuer signs and validates HS256 tokens.
type TokenIssuer struct {
	cfg         config.AuthConfig
	revocations Revocations
	clock       clockwork.Clock
	logger      *slog.Logger
}

func NewTokenIssuer(cfg config.AuthConfig, revocations Revocations, clock clockwork.Clock, logger *slog.Logger) *TokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenIssuer{cfg: cfg, revocations: revocations, clock: clock, logger: logger}
}

// Issue signs a token of kind for userID.
func (v *TokenIssuer) Issue(userID, kind string) (string, error) {
	ttl := v.cfg.AccessTTL
	if kind == KindRefresh {
		ttl = v.cfg.RefreshTTL
	}
	now := v.clock.Now()
	claims := CustomClaims{
		Scopes: v.cfg.Scopes,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.JWTSecret))
}

// IssuePair signs an access and a refresh token for userID.
func (v *TokenIssuer) IssuePair(userID string) (access, refresh string, err error) {
	if access, err = v.Issue(userID, KindAccess); err != nil {
		return "", "", err
	}
	if refresh, err = v.Issue(userID, KindRefresh); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// ValidateToken parses and validates a token string of the given kind. It
// checks the signature, expiration and the revocation list.
func (v *TokenIssuer) ValidateToken(ctx context.Context, tokenString, kind string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(v.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}

	revoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open so a Redis outage does not lock every user out.
		v.logger.Error("failed to check token revocation status", "error", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (v *TokenIssuer) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.revocations == nil || jti == "" {
		if jti == "" {
			v.logger.Warn("token is missing the jti claim, cannot check for revocation")
		}
		return false, nil
	}
	return v.revocations.IsRevoked(ctx, jti)
}

// Revoke adds the token to the revocation list until it would expire.
func (v *TokenIssuer) Revoke(ctx context.Context, claims *CustomClaims) error {
	if v.revocations == nil || claims.ID == "" {
		return nil
	}
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(v.clock.Now())
	}
	return v.revocations.Revoke(ctx, claims.ID, ttl)
}
