package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

func TestAuthClientLogin(t *testing.T) {
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req loginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"access_token":"a1","refresh_token":"r1","user":{"id":7,"username":"alice"}}`))
	}, nil)
	auth := NewAuthClient(exec)

	res, err := auth.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "a1", res.AccessToken)
	assert.Equal(t, "r1", res.RefreshToken)
	assert.Equal(t, &models.User{ID: "7", Username: "alice"}, res.User)

	_, err = auth.Login(context.Background(), "alice", "wrong")
	var serverErr *syncerr.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "invalid credentials", serverErr.Message)
}

func TestAuthClientRefreshUsesRefreshBearer(t *testing.T) {
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/refresh", r.URL.Path)
		assert.Equal(t, "Bearer r1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"access_token":"a2","refresh_token":"r2"}`))
	}, nil)

	creds, err := NewAuthClient(exec).Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", creds.AccessToken)
	assert.Equal(t, "r2", creds.RefreshToken)
}

func TestAuthClientRejectsIncompleteTokens(t *testing.T) {
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"a2"}`))
	}, nil)

	_, err := NewAuthClient(exec).Refresh(context.Background(), "r1")
	var serverErr *syncerr.ServerError
	assert.ErrorAs(t, err, &serverErr)
}

func TestAuthClientLogout(t *testing.T) {
	var called bool
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "/api/v1/auth/logout", r.URL.Path)
		assert.Equal(t, "Bearer a1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}, nil)

	require.NoError(t, NewAuthClient(exec).Logout(context.Background(), "a1"))
	assert.True(t, called)
}
