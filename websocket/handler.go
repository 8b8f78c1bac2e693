package websocket

import (
	"errors"
	"net"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/protocol"
	"github.com/abdelmounim-dev/chatsync/syncerr"
)

// readLoop decodes every frame of conn and dispatches it until the
// connection drops, then hands the channel to the reconnect logic.
func (m *Manager) readLoop(c *Channel, conn *websocket.Conn, gen uint64) {
	logger := m.logger.With("channel_id", c.ID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read error", "error", err)
			}
			c.connectionLost(gen, &syncerr.ConnectionError{ChannelID: c.ID, Err: err})
			return
		}
		c.touchInbound()

		event, err := protocol.Decode(data)
		if err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(event.Name())).Inc()
		m.dispatch(c, event)
	}
}

// dispatch hands one event to every sink. Server error events are also
// surfaced on the channel's error stream.
func (m *Manager) dispatch(c *Channel, event protocol.Event) {
	switch e := event.(type) {
	case protocol.JoinedEvent:
		m.logger.Debug("join acknowledged", "channel_id", c.ID)
	case protocol.ErrorEvent:
		m.logger.Warn("server error event", "channel_id", c.ID, "code", e.Code, "message", e.Message)
		c.errs.Publish(&syncerr.ServerError{Message: e.Message, Body: map[string]any{"code": e.Code, "message": e.Message}})
	case protocol.UnknownEvent:
		m.logger.Debug("unhandled event", "channel_id", c.ID, "event", e.Event)
	}

	m.sinksMu.RLock()
	sinks := m.sinks
	m.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink.HandleEvent(m.ctx, c.ID, event)
	}
}
