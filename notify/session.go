package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/TallyWorks/tally/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum control message size allowed from peer.
	sendBufferSize = 64                  // Buffer size for the send channel.
)

// session is one live client connection. It belongs to the global scope for
// its whole lifetime and to whichever user rooms it has joined.
type session struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	registry *Registry
	logger   *slog.Logger

	// Identity resolved during the upgrade handshake. Non-admin sessions
	// may only join their own user's room.
	userID string
	admin  bool
	remote string

	mu     sync.Mutex
	scopes map[Scope]struct{}
}

// readPump consumes control messages from the peer until the connection
// drops, then unregisters the session. At most one reader runs per
// connection.
func (s *session) readPump() {
	defer func() {
		s.registry.unregisterSession(s)
		s.conn.Close()
		s.logger.Info("readPump finished, connection unregistered", "id", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "id", s.id, "error", err)
			} else {
				s.logger.Info("websocket connection closed", "id", s.id, "error", err)
			}
			return
		}
		s.handleControl(message)
	}
}

// handleControl applies a client join/leave request. Anything malformed is
// ignored; the connection stays open either way.
func (s *session) handleControl(message []byte) {
	var ctl models.ControlMessage
	if err := json.Unmarshal(message, &ctl); err != nil {
		s.logger.Warn("ignoring undecodable control message", "id", s.id, "error", err)
		return
	}

	switch ctl.Action {
	case models.ControlJoin:
		if !s.admin && ctl.User != s.userID {
			s.logger.Warn("session not permitted to join scope", "id", s.id, "user", s.userID, "requested", ctl.User)
			return
		}
		s.registry.joinUser(s, ctl.User)
	case models.ControlLeave:
		s.registry.leaveUser(s, ctl.User)
	default:
		s.logger.Warn("ignoring control message with unknown action", "id", s.id, "action", ctl.Action)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. At most one writer runs per connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.logger.Info("writePump finished", "id", s.id)
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the channel.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Error("websocket write error", "id", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error("websocket ping write error", "id", s.id, "error", err)
				return
			}
		case <-s.registry.appCtx.Done():
			s.logger.Info("service context done, closing connection", "id", s.id)
			return
		}
	}
}
