package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/protocol"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

type fakeSession struct {
	token  string
	userID string
	err    error
}

func (s *fakeSession) EnsureReady(context.Context) error { return s.err }

func (s *fakeSession) ValidAccessToken(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *fakeSession) CurrentUserID() string { return s.userID }

// frame is one envelope received by the test server.
type frame struct {
	Event protocol.EventName
	Data  map[string]any
}

// testServer is a realtime endpoint that records every inbound frame and
// lets tests push frames to the most recent connection.
type testServer struct {
	*httptest.Server

	dials   atomic.Int32
	refuse  atomic.Int32 // HTTP status to answer the upgrade with; 0 accepts
	frames  chan frame
	mu      sync.Mutex
	conn    *websocket.Conn
	lastReq *http.Request
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{frames: make(chan frame, 64)}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if status := s.refuse.Load(); status != 0 {
			http.Error(w, "refused", int(status))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.lastReq = r
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Event protocol.EventName `json:"event"`
				Data  map[string]any     `json:"data"`
			}
			if json.Unmarshal(data, &env) == nil {
				s.frames <- frame{Event: env.Event, Data: env.Data}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) push(t *testing.T, raw string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(t, s.conn)
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (s *testServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// next returns the next frame, skipping heartbeats unless asked for.
func (s *testServer) next(t *testing.T, want protocol.EventName) frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.Event == protocol.EventHeartbeat && want != protocol.EventHeartbeat {
				continue
			}
			require.Equal(t, want, f.Event)
			return f
		case <-timeout:
			t.Fatalf("no %s frame received", want)
		}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
	closed []string
}

func (r *recordingSink) HandleEvent(_ context.Context, _ string, event protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) ChannelClosed(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, channelID)
}

func (r *recordingSink) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func (r *recordingSink) Closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

func testRealtimeConfig(url string) config.RealtimeConfig {
	return config.RealtimeConfig{
		URL:                  url,
		TokenQueryParam:      "token",
		ConnectTimeout:       time.Second,
		WriteTimeout:         time.Second,
		MessageSizeLimit:     64 * 1024,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		SendAttempts:         3,
		SendBaseDelay:        time.Millisecond,
		MaxContentLength:     5000,
	}
}

func newTestManager(t *testing.T, cfg config.RealtimeConfig, opts ...Option) *Manager {
	t.Helper()
	session := &fakeSession{token: "access-1", userID: "7"}
	m := NewManager(cfg, session, opts...)
	t.Cleanup(m.Dispose)
	return m
}

func TestOpenJoinsOnce(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()))

	require.NoError(t, m.Open(context.Background(), "42"))
	require.NoError(t, m.Open(context.Background(), "42"))

	join := srv.next(t, protocol.EventJoinGroup)
	assert.Equal(t, float64(42), join.Data["groupId"])
	assert.Equal(t, float64(7), join.Data["userId"])
	assert.Contains(t, join.Data, "timestamp")

	assert.Eventually(t, func() bool { return m.State("42") == StateConnected }, time.Second, 10*time.Millisecond)
	require.NoError(t, m.Open(context.Background(), "42"))

	assert.Equal(t, int32(1), srv.dials.Load())
	assert.Never(t, func() bool {
		select {
		case f := <-srv.frames:
			return f.Event == protocol.EventJoinGroup
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestOpenSendsTokenOnHandshake(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()))

	require.NoError(t, m.Open(context.Background(), "42"))
	srv.next(t, protocol.EventJoinGroup)

	srv.mu.Lock()
	req := srv.lastReq
	srv.mu.Unlock()
	assert.Equal(t, "access-1", req.URL.Query().Get("token"))
	assert.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
}

func TestOpenValidation(t *testing.T) {
	m := newTestManager(t, testRealtimeConfig("ws://127.0.0.1:1"))

	err := m.Open(context.Background(), "")
	var validationErr *syncerr.ValidationError
	assert.ErrorAs(t, err, &validationErr)

	session := &fakeSession{err: &syncerr.AuthenticationError{Reason: "no session"}}
	unauthenticated := NewManager(testRealtimeConfig("ws://127.0.0.1:1"), session)
	defer unauthenticated.Dispose()
	assert.True(t, syncerr.IsAuthentication(unauthenticated.Open(context.Background(), "42")))
	assert.Empty(t, unauthenticated.Channels())
}

func TestReconnectCeiling(t *testing.T) {
	srv := newTestServer(t)
	srv.refuse.Store(http.StatusInternalServerError)
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()), WithClock(clock))

	require.NoError(t, m.Open(context.Background(), "42"))

	for attempt := 1; attempt <= 5; attempt++ {
		require.Eventually(t, func() bool { return m.Attempts("42") == attempt }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StateReconnecting, m.State("42"))
		clock.Advance(30 * time.Second)
	}

	require.Eventually(t, func() bool { return m.State("42") == StateFailed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(6), srv.dials.Load())

	errs, cancel, err := m.WatchErrors("42")
	require.NoError(t, err)
	defer cancel()
	select {
	case got := <-errs:
		var connErr *syncerr.ConnectionError
		require.ErrorAs(t, got, &connErr)
		assert.True(t, connErr.Terminal)
		assert.Equal(t, "42", connErr.ChannelID)
	case <-time.After(time.Second):
		t.Fatal("no terminal error published")
	}

	// Nothing else happens on its own once failed.
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return srv.dials.Load() != 6 }, 100*time.Millisecond, 10*time.Millisecond)

	srv.refuse.Store(0)
	require.NoError(t, m.Reconnect(context.Background(), "42"))
	assert.Eventually(t, func() bool { return m.State("42") == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Attempts("42"))
}

func TestReconnectCeilingAppliesAfterManualReconnect(t *testing.T) {
	srv := newTestServer(t)
	srv.refuse.Store(http.StatusInternalServerError)
	clock := clockwork.NewFakeClock()
	cfg := testRealtimeConfig(srv.wsURL())
	cfg.MaxReconnectAttempts = 2
	m := newTestManager(t, cfg, WithClock(clock))

	require.NoError(t, m.Open(context.Background(), "42"))
	for round := 1; round <= 2; round++ {
		for attempt := 1; attempt <= 2; attempt++ {
			require.Eventually(t, func() bool { return m.Attempts("42") == attempt }, time.Second, 5*time.Millisecond)
			clock.Advance(30 * time.Second)
		}
		require.Eventually(t, func() bool { return m.State("42") == StateFailed }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3*round), srv.dials.Load())
		assert.Equal(t, 2, m.Attempts("42"))

		if round == 1 {
			require.NoError(t, m.Reconnect(context.Background(), "42"))
		}
	}
}

func TestHandshakeRejectedFailsImmediately(t *testing.T) {
	srv := newTestServer(t)
	srv.refuse.Store(http.StatusUnauthorized)
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()))

	require.NoError(t, m.Open(context.Background(), "42"))

	require.Eventually(t, func() bool { return m.State("42") == StateFailed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load())
	assert.Equal(t, 0, m.Attempts("42"))

	errs, cancel, err := m.WatchErrors("42")
	require.NoError(t, err)
	defer cancel()
	got := <-errs
	assert.True(t, syncerr.IsAuthentication(got))
}

func TestDroppedConnectionReconnects(t *testing.T) {
	srv := newTestServer(t)
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()), WithClock(clock))

	require.NoError(t, m.Open(context.Background(), "42"))
	srv.next(t, protocol.EventJoinGroup)
	require.Eventually(t, func() bool { return m.State("42") == StateConnected }, time.Second, 5*time.Millisecond)

	srv.dropConnection()
	require.Eventually(t, func() bool { return m.State("42") == StateReconnecting }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Attempts("42"))

	clock.Advance(time.Second)
	srv.next(t, protocol.EventJoinGroup)
	assert.Eventually(t, func() bool { return m.State("42") == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Attempts("42"))
	assert.Equal(t, int32(2), srv.dials.Load())
}

func TestCloseSendsLeaveGroup(t *testing.T) {
	srv := newTestServer(t)
	sink := &recordingSink{}
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()), WithSink(sink))

	require.NoError(t, m.Open(context.Background(), "42"))
	srv.next(t, protocol.EventJoinGroup)
	require.Eventually(t, func() bool { return m.State("42") == StateConnected }, time.Second, 5*time.Millisecond)

	status, cancel, err := m.WatchStatus("42")
	require.NoError(t, err)
	defer cancel()
	assert.True(t, <-status)

	m.Close("42")

	leave := srv.next(t, protocol.EventLeaveGroup)
	assert.Equal(t, float64(42), leave.Data["groupId"])
	assert.Equal(t, []string{"42"}, sink.Closed())
	assert.Empty(t, m.Channels())
	assert.Equal(t, StateDisconnected, m.State("42"))

	// The status stream ends with the channel.
	for range status {
	}
}

func TestInboundEventsReachSinks(t *testing.T) {
	srv := newTestServer(t)
	sink := &recordingSink{}
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()), WithSink(sink))

	require.NoError(t, m.Open(context.Background(), "42"))
	srv.next(t, protocol.EventJoinGroup)

	srv.push(t, `not json`)
	srv.push(t, `{"event":"new_message","data":{"id":9,"groupId":42,"senderId":3,"content":"hi","createdAt":1700000000000}}`)
	srv.push(t, `{"event":"user_typing","data":{"userId":3}}`)

	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, time.Second, 5*time.Millisecond)
	events := sink.Events()

	msg, ok := events[0].(protocol.NewMessageEvent)
	require.True(t, ok)
	assert.Equal(t, "9", msg.Message.ID)
	assert.Equal(t, "hi", msg.Message.Content)
	assert.Equal(t, protocol.TypingEvent{UserID: "3", Typing: true}, events[1])

	// The malformed frame did not cost the connection.
	assert.Equal(t, StateConnected, m.State("42"))
}

func TestErrorEventPublished(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, testRealtimeConfig(srv.wsURL()))

	require.NoError(t, m.Open(context.Background(), "42"))
	srv.next(t, protocol.EventJoinGroup)

	errs, cancel, err := m.WatchErrors("42")
	require.NoError(t, err)
	defer cancel()

	srv.push(t, `{"event":"error","data":{"code":"forbidden","message":"not a member"}}`)

	select {
	case got := <-errs:
		var serverErr *syncerr.ServerError
		require.ErrorAs(t, got, &serverErr)
		assert.Equal(t, "not a member", serverErr.Message)
		assert.Equal(t, "forbidden", serverErr.Body.(map[string]any)["code"])
	case <-time.After(time.Second):
		t.Fatal("error event not published")
	}
}

func TestHeartbeatOnlyOnActiveChannels(t *testing.T) {
	srv := newTestServer(t)
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	cfg := testRealtimeConfig(srv.wsURL())
	cfg.HeartbeatInterval = 30 * time.Second
	cfg.HeartbeatActivityWindow = 10 * time.Second
	m := newTestManager(t, cfg, WithClock(clock), WithSink(sink))

	// Wait for the heartbeat ticker.
	clock.BlockUntil(1)
	require.NoError(t, m.Open(context.Background(), "42"))
	srv.next(t, protocol.EventJoinGroup)
	require.Eventually(t, func() bool { return m.State("42") == StateConnected }, time.Second, 5*time.Millisecond)

	clock.Advance(25 * time.Second)
	srv.push(t, `{"event":"connected"}`)
	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(5 * time.Second)
	beat := srv.next(t, protocol.EventHeartbeat)
	assert.Equal(t, float64(42), beat.Data["groupId"])

	// Nothing heard for 35s: the next tick skips the channel.
	clock.Advance(30 * time.Second)
	assert.Never(t, func() bool {
		select {
		case f := <-srv.frames:
			return f.Event == protocol.EventHeartbeat
		default:
			return false
		}
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestIdleChannelsAreSwept(t *testing.T) {
	srv := newTestServer(t)
	clock := clockwork.NewFakeClock()
	cfg := testRealtimeConfig(srv.wsURL())
	cfg.SweepInterval = 10 * time.Second
	cfg.IdleTimeout = 30 * time.Second
	m := newTestManager(t, cfg, WithClock(clock))

	clock.BlockUntil(1)
	require.NoError(t, m.Open(context.Background(), "42"))
	srv.next(t, protocol.EventJoinGroup)
	require.Eventually(t, func() bool { return m.State("42") == StateConnected }, time.Second, 5*time.Millisecond)

	clock.Advance(20 * time.Second)
	assert.Never(t, func() bool { return len(m.Channels()) == 0 }, 100*time.Millisecond, 10*time.Millisecond)

	clock.Advance(21 * time.Second)
	srv.next(t, protocol.EventLeaveGroup)
	assert.Eventually(t, func() bool { return len(m.Channels()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisposeStopsEverything(t *testing.T) {
	srv := newTestServer(t)
	session := &fakeSession{token: "access-1", userID: "7"}
	m := NewManager(testRealtimeConfig(srv.wsURL()), session)

	require.NoError(t, m.Open(context.Background(), "1"))
	require.NoError(t, m.Open(context.Background(), "2"))
	require.Eventually(t, func() bool {
		return m.State("1") == StateConnected && m.State("2") == StateConnected
	}, time.Second, 5*time.Millisecond)

	m.Dispose()
	m.Dispose()

	assert.Empty(t, m.Channels())
	err := m.Open(context.Background(), "3")
	var connErr *syncerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Terminal)
	assert.True(t, errors.Is(err, errDisposed))
}

var _ PendingTracker = (*recordingTracker)(nil)

type recordingTracker struct {
	mu      sync.Mutex
	pending []models.Message
	failed  []string
}

func (r *recordingTracker) AddPending(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, msg)
}

func (r *recordingTracker) MarkFailed(_, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, clientID)
}
