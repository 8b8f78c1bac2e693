// Package syncerr defines the error taxonomy shared by the session,
// transport and synchronization layers.
//
// Every error type is a pointer type intended for errors.As:
//
//	var serverErr *syncerr.ServerError
//	if errors.As(err, &serverErr) && serverErr.StatusCode == http.StatusNotFound { ... }
//
// IsRetryable classifies any error chain: authentication and validation
// failures are never retryable, transport failures and timeouts always are,
// server errors only when the status is 5xx or otherwise transient.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AuthenticationError reports a missing or invalid session.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication: %s: %v", e.Reason, e.Err)
	}
	return "authentication: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError reports caller input that can never succeed as given.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConnectionError reports a transport failure. Terminal is set once a
// channel has exhausted its automatic reconnect attempts.
type ConnectionError struct {
	ChannelID string
	Terminal  bool
	Err       error
}

func (e *ConnectionError) Error() string {
	prefix := "connection"
	if e.ChannelID != "" {
		prefix = fmt.Sprintf("connection %s", e.ChannelID)
	}
	if e.Terminal {
		prefix += " (gave up)"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix + ": not connected"
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// SendError reports a message that could not be transmitted after all
// attempts. Err carries the last underlying failure.
type SendError struct {
	ChannelID string
	ClientID  string
	Attempts  int
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed after %d attempt(s): %v", e.ChannelID, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether resending the same message may succeed.
func (e *SendError) Retryable() bool { return IsRetryable(e.Err) }

// ServerError represents a non-2xx HTTP response or a protocol error
// event. StatusCode is zero for protocol errors.
type ServerError struct {
	StatusCode int
	Message    string
	// Body is the decoded response body: a map for JSON objects, the raw
	// string otherwise.
	Body any
}

func (e *ServerError) Error() string {
	if e.StatusCode == 0 {
		return "server: " + e.Message
	}
	return fmt.Sprintf("server: %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient.
func (e *ServerError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsRetryable classifies err; unknown errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthenticationError
	var validationErr *ValidationError
	if errors.As(err, &authErr) || errors.As(err, &validationErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Retryable()
	}
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Retryable()
	}

	var connErr *ConnectionError
	var timeoutErr *TimeoutError
	if errors.As(err, &connErr) || errors.As(err, &timeoutErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAuthentication reports whether err carries an AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
