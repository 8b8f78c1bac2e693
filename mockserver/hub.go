package mockserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/protocol"
)

const writeTimeout = 5 * time.Second

// conn is one authenticated realtime connection. Its group set is guarded
// by the server mutex.
type conn struct {
	ws      *websocket.Conn
	userID  string
	claims  *CustomClaims
	groups  map[string]struct{}
	writeMu sync.Mutex
}

func (c *conn) send(event protocol.EventName, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

func (c *conn) sendError(code, message string) {
	c.send(protocol.EventError, map[string]string{"code": code, "message": message})
}

// HandleWebSocket authenticates the upgrade with an access token from the
// token query parameter or the Authorization header, then serves frames
// until the connection drops.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if status := int(s.refusing.Load()); status != 0 {
		http.Error(w, "realtime unavailable", status)
		return
	}

	// --- Handshake Authentication ---
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = bearer(r)
	}
	if tokenString == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		s.logger.Info("missing token on realtime handshake", "remote_addr", r.RemoteAddr)
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}
	claims, err := s.auth.ValidateToken(r.Context(), tokenString, KindAccess)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
		s.logger.Info("invalid token on realtime handshake", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
		return
	}
	metrics.AuthSuccess.Inc()
	// --- End Handshake Authentication ---

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, userID: claims.Subject, claims: claims, groups: make(map[string]struct{})}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer s.disconnect(c)

	logger := s.logger.With("user_id", c.userID)
	if err := c.send(protocol.EventConnected, map[string]any{"userId": protocol.WireID(c.userID)}); err != nil {
		logger.Warn("failed to greet client", "error", err)
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				logger.Debug("read error", "error", err)
			}
			return
		}
		s.handleFrame(c, data)
	}
}

// disconnect forgets c and tells the rest of each of its groups.
func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	groups := make([]string, 0, len(c.groups))
	for groupID := range c.groups {
		groups = append(groups, groupID)
		delete(s.groups[groupID], c)
	}
	c.groups = nil
	s.mu.Unlock()

	c.ws.Close()
	for _, groupID := range groups {
		s.broadcast(groupID, c, protocol.EventUserLeft, membershipPayload(groupID, c.userID))
	}
}

// payload is a decoded frame body. Numbers stay json.Number so ids keep
// their exact digits.
type payload map[string]any

func decodePayload(raw json.RawMessage) (payload, error) {
	p := payload{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p, nil
}

// id returns the first of keys holding a string or a number.
func (p payload) id(keys ...string) string {
	for _, key := range keys {
		switch v := p[key].(type) {
		case string:
			return strings.TrimSpace(v)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (p payload) str(key string) string {
	s, _ := p[key].(string)
	return s
}

func membershipPayload(groupID, userID string) map[string]any {
	return map[string]any{"groupId": protocol.WireID(groupID), "userId": protocol.WireID(userID)}
}

func (s *Server) handleFrame(c *conn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.sendError("bad_request", "frame is not a JSON envelope")
		return
	}
	p, err := decodePayload(env.Data)
	if err != nil {
		c.sendError("bad_request", "frame data is not a JSON object")
		return
	}
	groupID := p.id("groupId", "group_id")

	switch env.Event {
	case protocol.EventHeartbeat:
		c.send(protocol.EventHeartbeat, map[string]any{"timestamp": protocol.Timestamp(s.clock.Now())})
	case protocol.EventJoinGroup:
		s.join(c, groupID)
	case protocol.EventLeaveGroup:
		if s.leave(c, groupID) {
			s.broadcast(groupID, c, protocol.EventUserLeft, membershipPayload(groupID, c.userID))
		}
	case protocol.EventSendMessage:
		if !s.member(c, groupID) {
			c.sendError("not_joined", "join the group before sending")
			return
		}
		content := p.str("content")
		if strings.TrimSpace(content) == "" {
			c.sendError("bad_request", "content is required")
			return
		}
		metadata, _ := p["metadata"].(map[string]any)
		msg := s.store(groupID, c.userID, content, p.str("type"), p.id("messageId", "clientId"), metadata)
		s.broadcast(groupID, nil, protocol.EventNewMessage, msg)
	case protocol.EventUserTyping, protocol.EventUserStopTyping:
		if s.member(c, groupID) {
			s.broadcast(groupID, c, env.Event, membershipPayload(groupID, c.userID))
		}
	case protocol.EventMessageRead, protocol.EventMessageDelivered:
		if !s.member(c, groupID) {
			return
		}
		s.broadcast(groupID, c, env.Event, map[string]any{
			"groupId":   protocol.WireID(groupID),
			"messageId": protocol.WireID(p.id("messageId")),
			"userId":    protocol.WireID(c.userID),
		})
	default:
		c.sendError("unknown_event", "unsupported event "+string(env.Event))
	}
}

func (s *Server) join(c *conn, groupID string) {
	if groupID == "" {
		c.sendError("bad_request", "groupId is required")
		return
	}
	if !c.claims.CanAccess("join", groupID) {
		s.logger.Info("join denied", "user_id", c.userID, "group_id", groupID)
		c.sendError("forbidden", "not allowed to join group "+groupID)
		return
	}

	s.mu.Lock()
	s.joins[groupID]++
	if c.groups != nil {
		c.groups[groupID] = struct{}{}
		if s.groups[groupID] == nil {
			s.groups[groupID] = make(map[*conn]struct{})
		}
		s.groups[groupID][c] = struct{}{}
	}
	s.mu.Unlock()

	c.send(protocol.EventJoinedGroup, map[string]any{"groupId": protocol.WireID(groupID)})
	s.broadcast(groupID, c, protocol.EventUserJoined, membershipPayload(groupID, c.userID))
}

// leave reports whether c was a member of groupID.
func (s *Server) leave(c *conn, groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := c.groups[groupID]; !ok {
		return false
	}
	delete(c.groups, groupID)
	delete(s.groups[groupID], c)
	return true
}

func (s *Server) member(c *conn, groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := c.groups[groupID]
	return ok
}

// broadcast sends a frame to every connection in groupID except skip.
func (s *Server) broadcast(groupID string, skip *conn, event protocol.EventName, body any) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.groups[groupID]))
	for c := range s.groups[groupID] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.send(event, body); err != nil {
			s.logger.Debug("broadcast write failed", "user_id", c.userID, "event", event, "error", err)
		}
	}
}
