package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// dialURL appends the access token under the configured query parameter.
// Some deployments authenticate the upgrade from the query string only.
func (m *Manager) dialURL(token string) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", &syncerr.ValidationError{Field: "realtime.url", Reason: err.Error()}
	}
	if m.cfg.TokenQueryParam != "" {
		q := u.Query()
		q.Set(m.cfg.TokenQueryParam, token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dial opens an authenticated connection for channelID, bounded by ctx.
func (m *Manager) dial(ctx context.Context, channelID string) (*websocket.Conn, error) {
	token, err := m.session.ValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	target, err := m.dialURL(token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, handshakeError(ctx, channelID, resp, err, m.cfg.ConnectTimeout)
	}
	if m.cfg.MessageSizeLimit > 0 {
		conn.SetReadLimit(m.cfg.MessageSizeLimit)
	}
	return conn, nil
}

// handshakeError classifies a failed dial: a rejected token is an
// authentication failure, an expired deadline a timeout, anything else a
// retryable connection error.
func handshakeError(ctx context.Context, channelID string, resp *http.Response, err error, timeout time.Duration) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &syncerr.AuthenticationError{
				Reason: fmt.Sprintf("realtime handshake rejected with %d", resp.StatusCode),
				Err:    err,
			}
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &syncerr.TimeoutError{Op: "connect " + channelID, After: timeout, Err: err}
	}
	return &syncerr.ConnectionError{ChannelID: channelID, Err: err}
}
