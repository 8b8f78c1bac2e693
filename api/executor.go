// Package api issues authenticated REST calls against the chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

const maxResponseBytes = 10 << 20

// TokenSource supplies the session to the executor. *session.Manager
// implements it.
type TokenSource interface {
	EnsureReady(ctx context.Context) error
	ValidAccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// RequestInterceptor observes an outgoing request after headers are set.
type RequestInterceptor func(req *http.Request)

// ResponseInterceptor observes a response and its fully read body.
type ResponseInterceptor func(req *http.Request, resp *http.Response, body []byte)

// Response is a completed 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("api: empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("api: failed to parse response: %w", err)
	}
	return nil
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the HTTP client. If unset, http.DefaultClient is used.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) { e.httpClient = client }
}

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor builds, authenticates and sends REST requests.
type Executor struct {
	baseURL    string
	prefix     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu                   sync.RWMutex
	tokens               TokenSource
	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
}

func NewExecutor(cfg config.APIConfig, opts ...Option) *Executor {
	e := &Executor{
		baseURL:    cfg.BaseURL,
		prefix:     cfg.Prefix,
		timeout:    cfg.Timeout,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "api")
	return e
}

// SetTokenSource attaches the session. The session itself authenticates
// through this executor, so it is attached after both are constructed.
func (e *Executor) SetTokenSource(tokens TokenSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens = tokens
}

// AddRequestInterceptor appends a request hook. Hooks run in order.
func (e *Executor) AddRequestInterceptor(fn RequestInterceptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestInterceptors = append(e.requestInterceptors, fn)
}

// AddResponseInterceptor appends a response hook. Hooks run in order.
func (e *Executor) AddResponseInterceptor(fn ResponseInterceptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responseInterceptors = append(e.responseInterceptors, fn)
}

// URL joins the base URL, the API prefix and path.
func (e *Executor) URL(path string) string {
	return JoinURL(e.baseURL, e.prefix, path)
}

// Execute sends an authenticated JSON request. body may be nil, a
// []byte sent as-is, or any value encoded as JSON. A 401 response
// triggers one token refresh and one retry.
func (e *Executor) Execute(ctx context.Context, method, path string, body any, headers http.Header) (*Response, error) {
	payload, err := encodeJSON(body)
	if err != nil {
		return nil, err
	}
	return e.authenticated(ctx, method, path, payload, "application/json", headers)
}

func (e *Executor) authenticated(ctx context.Context, method, path string, payload []byte, contentType string, headers http.Header) (*Response, error) {
	e.mu.RLock()
	tokens := e.tokens
	e.mu.RUnlock()
	if tokens == nil {
		return nil, &syncerr.AuthenticationError{Reason: "no session attached"}
	}

	if err := tokens.EnsureReady(ctx); err != nil {
		return nil, err
	}
	token, err := tokens.ValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := e.send(ctx, method, path, payload, contentType, headers, token)
	var serverErr *syncerr.ServerError
	if !errors.As(err, &serverErr) || serverErr.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	e.logger.Info("request unauthorized, refreshing token", "method", method, "path", path)
	if err := tokens.Refresh(ctx); err != nil {
		return nil, err
	}
	if token, err = tokens.ValidAccessToken(ctx); err != nil {
		return nil, err
	}
	return e.send(ctx, method, path, payload, contentType, headers, token)
}

// send performs one HTTP round trip with the given bearer token, which may
// be empty for anonymous calls.
func (e *Executor) send(ctx context.Context, method, path string, payload []byte, contentType string, headers http.Header, bearer string) (*Response, error) {
	requestURL := e.URL(path)

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("api: failed to create request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	e.mu.RLock()
	requestInterceptors := e.requestInterceptors
	responseInterceptors := e.responseInterceptors
	e.mu.RUnlock()
	for _, fn := range requestInterceptors {
		fn(req)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		metrics.RequestDuration.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
		return nil, e.transportError(ctx, callCtx, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, e.transportError(ctx, callCtx, method, path, err)
	}
	metrics.RequestDuration.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	for _, fn := range responseInterceptors {
		fn(req, resp, respBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode)
		return nil, newServerError(resp.StatusCode, respBody)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func (e *Executor) transportError(ctx, callCtx context.Context, method, path string, err error) error {
	op := method + " " + path
	switch {
	case ctx.Err() != nil:
		// The caller gave up; report their cancellation as is.
		return fmt.Errorf("api: %s: %w", op, ctx.Err())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return &syncerr.TimeoutError{Op: op, After: e.timeout, Err: err}
	}
	return &syncerr.ConnectionError{Err: fmt.Errorf("%s: %w", op, err)}
}

// newServerError parses the body best effort: a JSON object becomes a
// map, anything else is kept as a string.
func newServerError(status int, body []byte) *syncerr.ServerError {
	serverErr := &syncerr.ServerError{StatusCode: status, Message: http.StatusText(status)}
	if len(bytes.TrimSpace(body)) == 0 {
		return serverErr
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		serverErr.Body = string(body)
		return serverErr
	}
	serverErr.Body = parsed
	for _, key := range []string{"message", "error", "detail"} {
		if msg, ok := parsed[key].(string); ok && msg != "" {
			serverErr.Message = msg
			break
		}
	}
	return serverErr
}

func encodeJSON(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("api: failed to encode request body: %w", err)
	}
	return encoded, nil
}

// JoinURL joins URL parts with "/" and collapses repeated slashes, except
// the pair following a scheme's "://".
func JoinURL(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	joined := strings.Join(nonEmpty, "/")

	scheme := ""
	if i := strings.Index(joined, "://"); i >= 0 {
		scheme, joined = joined[:i+3], joined[i+3:]
	}

	var b strings.Builder
	b.Grow(len(scheme) + len(joined))
	b.WriteString(scheme)
	prevSlash := false
	for i := 0; i < len(joined); i++ {
		c := joined[i]
		if c == '?' {
			// Leave the query string untouched.
			b.WriteString(joined[i:])
			break
		}
		if c == '/' && prevSlash {
			continue
		}
		prevSlash = c == '/'
		b.WriteByte(c)
	}
	return b.String()
}
