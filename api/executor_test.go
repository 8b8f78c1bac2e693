package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	next      string
	ready     int
	refreshes int
	refresh   error
}

func (f *fakeTokens) EnsureReady(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready++
	return nil
}

func (f *fakeTokens) ValidAccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return "", &syncerr.AuthenticationError{Reason: "not logged in"}
	}
	return f.token, nil
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refresh != nil {
		return f.refresh
	}
	f.token = f.next
	return nil
}

func newTestExecutor(t *testing.T, handler http.HandlerFunc, tokens TokenSource) *Executor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	exec := NewExecutor(config.APIConfig{BaseURL: srv.URL + "/", Prefix: "/api/v1/", Timeout: 2 * time.Second})
	if tokens != nil {
		exec.SetTokenSource(tokens)
	}
	return exec
}

func TestJoinURL(t *testing.T) {
	testCases := []struct {
		parts    []string
		expected string
	}{
		{parts: []string{"http://host", "api/v1", "groups"}, expected: "http://host/api/v1/groups"},
		{parts: []string{"http://host/", "/api/v1/", "/groups//42/"}, expected: "http://host/api/v1/groups/42/"},
		{parts: []string{"https://host//", "", "x"}, expected: "https://host/x"},
		{parts: []string{"http://host", "api", "items?next=a//b"}, expected: "http://host/api/items?next=a//b"},
		{parts: []string{"/api/", "/x"}, expected: "/api/x"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, JoinURL(tc.parts...))
		})
	}
}

func TestExecuteSetsHeadersAndRunsInterceptors(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/groups/42", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"general"}`, string(body))
		w.Write([]byte(`{"id":42}`))
	}, tokens)

	var order []string
	exec.AddRequestInterceptor(func(*http.Request) { order = append(order, "req1") })
	exec.AddRequestInterceptor(func(*http.Request) { order = append(order, "req2") })
	exec.AddResponseInterceptor(func(_ *http.Request, resp *http.Response, body []byte) {
		order = append(order, "resp")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"id":42}`, string(body))
	})

	resp, err := exec.Execute(context.Background(), http.MethodPut, "groups/42", map[string]string{"name": "general"},
		http.Header{"X-Trace": []string{"yes"}})
	require.NoError(t, err)

	var out struct {
		ID int `json:"id"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, 42, out.ID)
	assert.Equal(t, []string{"req1", "req2", "resp"}, order)
	assert.Equal(t, 1, tokens.ready)
}

func TestExecuteRetriesOnceAfterRefresh(t *testing.T) {
	tokens := &fakeTokens{token: "stale", next: "fresh"}
	var calls int
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}, tokens)

	_, err := exec.Get(context.Background(), "me", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, tokens.refreshes)
}

func TestExecuteDoesNotLoopOnRepeated401(t *testing.T) {
	tokens := &fakeTokens{token: "stale", next: "still-bad"}
	var calls int
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens)

	_, err := exec.Get(context.Background(), "me", nil)
	var serverErr *syncerr.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusUnauthorized, serverErr.StatusCode)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, tokens.refreshes)
}

func TestExecuteRefreshFailureSurfaces(t *testing.T) {
	tokens := &fakeTokens{token: "stale", refresh: &syncerr.AuthenticationError{Reason: "token refresh failed"}}
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens)

	_, err := exec.Delete(context.Background(), "groups/1")
	assert.True(t, syncerr.IsAuthentication(err))
}

func TestExecuteServerErrorBody(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		message   string
		wantBody  any
		retryable bool
	}{
		{
			name: "JSON object", status: http.StatusBadRequest, body: `{"message":"content too long","field":"content"}`,
			message: "content too long", wantBody: map[string]any{"message": "content too long", "field": "content"},
		},
		{
			name: "Plain text", status: http.StatusBadGateway, body: "upstream down",
			message: "Bad Gateway", wantBody: "upstream down", retryable: true,
		},
		{
			name: "Empty", status: http.StatusNotFound, body: "",
			message: "Not Found", wantBody: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}, &fakeTokens{token: "t"})

			_, err := exec.Post(context.Background(), "x", nil)
			var serverErr *syncerr.ServerError
			require.ErrorAs(t, err, &serverErr)
			assert.Equal(t, tc.status, serverErr.StatusCode)
			assert.Equal(t, tc.message, serverErr.Message)
			assert.Equal(t, tc.wantBody, serverErr.Body)
			assert.Equal(t, tc.retryable, syncerr.IsRetryable(err))
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	exec := NewExecutor(config.APIConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	exec.SetTokenSource(&fakeTokens{token: "t"})

	_, err := exec.Get(context.Background(), "slow", nil)
	var timeoutErr *syncerr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.After)
	assert.True(t, syncerr.IsRetryable(err))
}

func TestExecuteConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	exec := NewExecutor(config.APIConfig{BaseURL: url, Timeout: time.Second})
	exec.SetTokenSource(&fakeTokens{token: "t"})

	_, err := exec.Get(context.Background(), "x", nil)
	var connErr *syncerr.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestExecuteWithoutSession(t *testing.T) {
	exec := NewExecutor(config.APIConfig{BaseURL: "http://unused"})
	_, err := exec.Get(context.Background(), "x", nil)
	assert.True(t, syncerr.IsAuthentication(err))

	exec.SetTokenSource(&fakeTokens{})
	_, err = exec.Get(context.Background(), "x", nil)
	assert.True(t, syncerr.IsAuthentication(err))
}

func TestUpload(t *testing.T) {
	var calls int
	exec := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "caption", r.FormValue("title"))
		file, header, err := r.FormFile("attachment")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "photo.txt", header.Filename)
		assert.Equal(t, "hello", string(data))
		json.NewEncoder(w).Encode(map[string]string{"url": "/files/1"})
	}, &fakeTokens{token: "stale", next: "fresh"})

	resp, err := exec.Upload(context.Background(), http.MethodPost, "uploads",
		map[string]string{"title": "caption"},
		[]File{{Field: "attachment", Name: "photo.txt", Data: []byte("hello")}})
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(resp.Body), "/files/1"))
	assert.Equal(t, 2, calls, "multipart body is resent after refresh")

	_, err = exec.Upload(context.Background(), http.MethodGet, "uploads", nil, nil)
	var validationErr *syncerr.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
