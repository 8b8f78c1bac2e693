package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/chatsync/broker"
	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/mockserver"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/syncerr"
	"github.com/abdelmounim-dev/chatsync/websocket"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newBackend(t *testing.T) (*mockserver.Server, *httptest.Server) {
	t.Helper()
	s := mockserver.New(config.Default().Auth,
		mockserver.WithUser("alice", "secret", models.User{ID: "7", Username: "alice"}),
		mockserver.WithUser("bob", "hunter2", models.User{ID: "8", Username: "bob"}),
	)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func testConfig(ts *httptest.Server) *config.AppConfig {
	cfg := config.Default()
	cfg.API.BaseURL = ts.URL
	cfg.Realtime.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + mockserver.RealtimePath
	cfg.Realtime.HeartbeatInterval = 0
	cfg.Realtime.SweepInterval = 0
	cfg.Realtime.ReconnectBaseDelay = 50 * time.Millisecond
	cfg.Realtime.ReconnectMaxDelay = 200 * time.Millisecond
	return cfg
}

func newClient(t *testing.T, cfg *config.AppConfig, opts ...Option) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Dispose)
	return c
}

func loggedIn(t *testing.T, cfg *config.AppConfig, identifier, password string, opts ...Option) *Client {
	t.Helper()
	c := newClient(t, cfg, opts...)
	_, err := c.Login(context.Background(), identifier, password)
	require.NoError(t, err)
	return c
}

func contents(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestLoginWatchJoinsOnce(t *testing.T) {
	s, ts := newBackend(t)
	s.Inject("42", "8", "earlier")

	c := newClient(t, testConfig(ts))
	user, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "7", user.ID)
	assert.Equal(t, "7", c.CurrentUser().ID)

	msgs, cancel, err := c.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancel()

	assert.Eventually(t, func() bool { return s.Joins("42") == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		select {
		case list := <-msgs:
			return assert.ObjectsAreEqual([]string{"earlier"}, contents(list))
		default:
			return false
		}
	}, waitFor, tick)

	// Watching again shares the open channel.
	_, cancelAgain, err := c.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancelAgain()
	assert.Never(t, func() bool { return s.Joins("42") > 1 }, 200*time.Millisecond, tick)
}

func TestWatchMessagesValidation(t *testing.T) {
	_, ts := newBackend(t)
	c := newClient(t, testConfig(ts))

	_, _, err := c.WatchMessages(context.Background(), "")
	assert.Error(t, err)

	_, _, err = c.WatchMessages(context.Background(), "42")
	assert.True(t, syncerr.IsAuthentication(err), "got %v", err)
	assert.Empty(t, c.realtime.Channels())
}

func waitConnected(t *testing.T, c *Client, channelID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.realtime.State(channelID) == websocket.StateConnected
	}, waitFor, tick)
}

func TestSendIsReconciledWithEcho(t *testing.T) {
	s, ts := newBackend(t)
	c := loggedIn(t, testConfig(ts), "alice", "secret")

	_, cancel, err := c.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancel()
	waitConnected(t, c, "42")
	require.Eventually(t, func() bool { return s.Joins("42") == 1 }, waitFor, tick)

	res := c.Send(context.Background(), "42", "hello", websocket.SendOptions{})
	require.True(t, res.OK(), "send failed: %v", res.Err)
	clientID := res.Message.ClientID
	require.NotEmpty(t, clientID)

	require.Eventually(t, func() bool {
		list := c.Messages("42")
		return len(list) == 1 && list[0].ID != clientID
	}, waitFor, tick)
	msg := c.Messages("42")[0]
	assert.Equal(t, clientID, msg.ClientID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, models.StatusSent, msg.Status)

	stored := s.Messages("42", 0)
	require.Len(t, stored, 1)
	assert.Equal(t, clientID, stored[0].ClientID)
}

func TestPresenceAcrossClients(t *testing.T) {
	s, ts := newBackend(t)
	alice := loggedIn(t, testConfig(ts), "alice", "secret")
	bob := loggedIn(t, testConfig(ts), "bob", "hunter2")

	_, cancelA, err := alice.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancelA()
	require.Eventually(t, func() bool { return s.Joins("42") == 1 }, waitFor, tick)

	_, cancelB, err := bob.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancelB()
	waitConnected(t, bob, "42")
	require.Eventually(t, func() bool { return s.Joins("42") == 2 }, waitFor, tick)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"8"}, alice.presence.Members("42"))
	}, waitFor, tick)

	require.NoError(t, bob.SetTyping("42", true))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"8"}, alice.presence.Typing("42"))
	}, waitFor, tick)

	require.NoError(t, bob.SetTyping("42", false))
	assert.Eventually(t, func() bool { return len(alice.presence.Typing("42")) == 0 }, waitFor, tick)

	bob.Unsubscribe("42")
	assert.Eventually(t, func() bool { return len(alice.presence.Members("42")) == 0 }, waitFor, tick)
}

func TestPollingFallback(t *testing.T) {
	s, ts := newBackend(t)
	s.RefuseRealtime(http.StatusServiceUnavailable)

	cfg := testConfig(ts)
	clock := clockwork.NewFakeClockAt(time.Now())
	c := loggedIn(t, cfg, "alice", "secret", WithClock(clock))

	_, cancel, err := c.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancel()

	s.Inject("42", "8", "sent while offline")
	assert.Eventually(t, func() bool {
		clock.Advance(cfg.Realtime.PollInterval)
		return assert.ObjectsAreEqual([]string{"sent while offline"}, contents(c.Messages("42")))
	}, waitFor, tick)
	assert.Zero(t, s.Joins("42"))
	assert.NotEqual(t, websocket.StateConnected, c.realtime.State("42"))

	// Once realtime is back the channel joins and polling stops.
	s.RefuseRealtime(0)
	require.NoError(t, c.Reconnect(context.Background(), "42"))
	waitConnected(t, c, "42")
	assert.Eventually(t, func() bool { return s.Joins("42") == 1 }, waitFor, tick)

	s.Inject("42", "8", "live")
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"sent while offline", "live"}, contents(c.Messages("42")))
	}, waitFor, tick)
}

func TestLogoutClosesChannels(t *testing.T) {
	s, ts := newBackend(t)
	c := loggedIn(t, testConfig(ts), "alice", "secret")

	msgs, cancel, err := c.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return s.Joins("42") == 1 }, waitFor, tick)

	require.NoError(t, c.Logout(context.Background()))
	assert.Empty(t, c.realtime.Channels())
	assert.Nil(t, c.CurrentUser())

	assert.Eventually(t, func() bool {
		select {
		case _, open := <-msgs:
			return !open
		default:
			return false
		}
	}, waitFor, tick)

	tokens, stop := c.TokenStream()
	defer stop()
	select {
	case token := <-tokens:
		assert.Nil(t, token)
	case <-time.After(time.Second):
		t.Fatal("token stream has no value")
	}
}

func TestSessionLossClosesChannels(t *testing.T) {
	s, ts := newBackend(t)
	c := loggedIn(t, testConfig(ts), "alice", "secret")

	_, cancel, err := c.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return s.Joins("42") == 1 }, waitFor, tick)

	c.session.Tokens().Clear()
	assert.Eventually(t, func() bool { return len(c.realtime.Channels()) == 0 }, waitFor, tick)
}

func TestRedisStorageAndMirror(t *testing.T) {
	s, ts := newBackend(t)
	mr := miniredis.RunT(t)

	cfg := testConfig(ts)
	cfg.Redis.Address = mr.Addr()
	cfg.Storage.Type = "redis"
	cfg.Storage.Namespace = "alice"
	cfg.Broker.Type = "redis"

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	follower := broker.NewRedisBroker(rdb, nil)
	defer follower.Close()
	events, err := follower.Subscribe(context.Background(), cfg.Broker.Topic)
	require.NoError(t, err)

	c := loggedIn(t, cfg, "alice", "secret")
	assert.True(t, mr.Exists("chatsync:alice:tokens"))
	assert.True(t, mr.Exists("chatsync:alice:user"))

	_, cancel, err := c.WatchMessages(context.Background(), "42")
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return s.Joins("42") == 1 }, waitFor, tick)

	s.Inject("42", "8", "mirrored")
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-events:
			if msg.Event != "new_message" {
				continue
			}
			assert.Equal(t, "42", msg.ChannelID)
			assert.NotEmpty(t, msg.Origin)
			var mirrored models.Message
			require.NoError(t, json.Unmarshal(msg.Data, &mirrored))
			assert.Equal(t, "mirrored", mirrored.Content)
			return
		case <-deadline:
			t.Fatal("no new_message mirrored to the broker")
		}
	}
}
