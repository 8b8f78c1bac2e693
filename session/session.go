package session

import (
	"context"

	"github.com/abdelmounim-dev/chatsync/models"
)

// State is the lifecycle state of a Manager.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Credentials is the persisted token pair.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Store defines secure storage for session state. Tokens and the cached
// user are kept under separate keys.
type Store interface {
	// SaveTokens persists both tokens together.
	SaveTokens(ctx context.Context, creds Credentials) error
	// LoadTokens returns nil when nothing is stored.
	LoadTokens(ctx context.Context) (*Credentials, error)
	ClearTokens(ctx context.Context) error
	// SaveUser caches the current user record.
	SaveUser(ctx context.Context, user *models.User) error
	// LoadUser returns nil when nothing is stored.
	LoadUser(ctx context.Context) (*models.User, error)
	ClearUser(ctx context.Context) error
}

// AuthResult is returned by a successful login.
type AuthResult struct {
	Credentials
	User *models.User
}

// Authenticator performs the auth endpoint calls on behalf of a Manager.
type Authenticator interface {
	Login(ctx context.Context, identifier, password string) (*AuthResult, error)
	// Refresh exchanges a refresh token for a new pair.
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
	Logout(ctx context.Context, accessToken string) error
}
