package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/abdelmounim-dev/chatsync/protocol"
	"github.com/abdelmounim-dev/chatsync/session"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// AuthClient calls the auth endpoints. It implements session.Authenticator
// and never goes through the session itself.
type AuthClient struct {
	exec *Executor
}

func NewAuthClient(exec *Executor) *AuthClient {
	return &AuthClient{exec: exec}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	User         json.RawMessage `json:"user"`
}

func (r *tokenResponse) credentials() (session.Credentials, error) {
	if r.AccessToken == "" || r.RefreshToken == "" {
		return session.Credentials{}, &syncerr.ServerError{
			StatusCode: http.StatusOK,
			Message:    "token response missing access_token or refresh_token",
		}
	}
	return session.Credentials{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}, nil
}

// Login posts the credentials to auth/login.
func (a *AuthClient) Login(ctx context.Context, identifier, password string) (*session.AuthResult, error) {
	payload, err := encodeJSON(loginRequest{Identifier: identifier, Password: password})
	if err != nil {
		return nil, err
	}
	resp, err := a.exec.send(ctx, http.MethodPost, "auth/login", payload, "application/json", nil, "")
	if err != nil {
		return nil, fmt.Errorf("api: login failed: %w", err)
	}

	var body tokenResponse
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	creds, err := body.credentials()
	if err != nil {
		return nil, err
	}

	result := &session.AuthResult{Credentials: creds}
	if len(body.User) > 0 {
		user, err := protocol.DecodeUser(body.User)
		if err != nil {
			return nil, fmt.Errorf("api: failed to parse login user: %w", err)
		}
		result.User = &user
	}
	return result, nil
}

// Refresh posts to auth/refresh with the refresh token as the bearer.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*session.Credentials, error) {
	resp, err := a.exec.send(ctx, http.MethodPost, "auth/refresh", nil, "application/json", nil, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("api: refresh failed: %w", err)
	}

	var body tokenResponse
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	creds, err := body.credentials()
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// Logout posts to auth/logout with the access token.
func (a *AuthClient) Logout(ctx context.Context, accessToken string) error {
	if _, err := a.exec.send(ctx, http.MethodPost, "auth/logout", nil, "application/json", nil, accessToken); err != nil {
		return fmt.Errorf("api: logout failed: %w", err)
	}
	return nil
}
