package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "Nil", err: nil, expected: false},
		{name: "Authentication", err: &AuthenticationError{Reason: "no session"}, expected: false},
		{name: "Validation", err: &ValidationError{Field: "content", Reason: "empty"}, expected: false},
		{name: "Connection", err: &ConnectionError{ChannelID: "42"}, expected: true},
		{name: "Terminal connection", err: &ConnectionError{ChannelID: "42", Terminal: true}, expected: true},
		{name: "Timeout", err: &TimeoutError{Op: "GET /x"}, expected: true},
		{name: "Server 503", err: &ServerError{StatusCode: 503}, expected: true},
		{name: "Server 429", err: &ServerError{StatusCode: 429}, expected: true},
		{name: "Server 404", err: &ServerError{StatusCode: 404}, expected: false},
		{name: "Protocol error event", err: &ServerError{Message: "bad group"}, expected: false},
		{name: "Wrapped timeout", err: fmt.Errorf("fetch: %w", &TimeoutError{Op: "GET"}), expected: true},
		{name: "Auth wrapping connection", err: &AuthenticationError{Reason: "refresh", Err: &ConnectionError{}}, expected: false},
		{name: "Send wrapping connection", err: &SendError{Err: &ConnectionError{}}, expected: true},
		{name: "Send wrapping auth", err: &SendError{Err: &AuthenticationError{Reason: "expired"}}, expected: false},
		{name: "Canceled", err: context.Canceled, expected: false},
		{name: "Deadline", err: context.DeadlineExceeded, expected: true},
		{name: "Unknown", err: errors.New("boom"), expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsRetryable(tc.err))
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	root := errors.New("dial tcp: refused")
	err := &SendError{ChannelID: "42", Attempts: 3, Err: &ConnectionError{ChannelID: "42", Err: root}}

	assert.ErrorIs(t, err, root)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "3 attempt(s)")
}
