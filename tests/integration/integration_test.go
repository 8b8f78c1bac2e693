package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/chatsync/client"
	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/websocket"
)

const (
	apiURL      = "http://localhost:8080"
	realtimeURL = "ws://localhost:8080/ws"
	channelID   = "1"
	testTimeout = 15 * time.Second
)

// newClient logs a client into the backend started by `go run ./backend`
// with its default demo users.
func newClient(ctx context.Context, t *testing.T, identifier string) *client.Client {
	t.Helper()
	cfg := config.Default()
	cfg.API.BaseURL = apiURL
	cfg.Realtime.URL = realtimeURL

	c, err := client.New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Dispose)

	_, err = c.Login(ctx, identifier, identifier)
	require.NoError(t, err, "login as %s failed", identifier)
	return c
}

func waitFor(t *testing.T, messages <-chan []models.Message, match func(models.Message) bool) models.Message {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case list, ok := <-messages:
			require.True(t, ok, "message stream ended")
			for _, msg := range list {
				if match(msg) {
					return msg
				}
			}
		case <-deadline:
			t.Fatal("expected message never arrived")
		}
	}
}

func waitConnected(ctx context.Context, t *testing.T, c *client.Client) {
	t.Helper()
	status, stop, err := c.WatchConnectionStatus(channelID)
	require.NoError(t, err)
	defer stop()
	for connected := false; !connected; {
		select {
		case connected = <-status:
		case <-ctx.Done():
			t.Fatal("channel never connected")
		}
	}
}

func TestE2EMessageFlow(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	alice := newClient(ctx, t, "alice")
	bob := newClient(ctx, t, "bob")

	aliceMessages, stopAlice, err := alice.WatchMessages(ctx, channelID)
	require.NoError(t, err)
	defer stopAlice()
	bobMessages, stopBob, err := bob.WatchMessages(ctx, channelID)
	require.NoError(t, err)
	defer stopBob()

	waitConnected(ctx, t, alice)
	waitConnected(ctx, t, bob)

	text := fmt.Sprintf("hello from integration test at %s", time.Now())
	res := alice.Send(ctx, channelID, text, websocket.SendOptions{})
	require.True(t, res.OK(), "send failed: %v", res.Err)

	// The sender sees the server echo replace the pending copy.
	echo := waitFor(t, aliceMessages, func(m models.Message) bool {
		return m.ClientID == res.Message.ClientID && m.Status != models.StatusPending
	})
	assert.NotEqual(t, res.Message.ClientID, echo.ID)
	assert.Equal(t, text, echo.Content)

	received := waitFor(t, bobMessages, func(m models.Message) bool { return m.ID == echo.ID })
	assert.Equal(t, alice.CurrentUser().ID, received.SenderID)
}
