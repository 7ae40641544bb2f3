package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/TallyWorks/tally/models"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const clientPingPeriod = 30 * time.Second

// Subscription is a live websocket subscription. The connection always
// receives global-scope batches; user scopes are joined and left explicitly.
type Subscription struct {
	conn   *websocket.Conn
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	// gorilla/websocket permits one concurrent writer; Join, Leave, the
	// ping loop and close frames all share this lock.
	writeMu sync.Mutex
}

// Subscribe dials the realtime websocket and invokes onBatch, in arrival
// order, for every batch message until the context is cancelled or the
// connection drops.
func (c *Client) Subscribe(ctx context.Context, onBatch func([]models.Event)) (*Subscription, error) {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}

	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   "/rt/api/v1/subscribe",
	}
	query := wsURL.Query()
	query.Set("token", c.token)
	wsURL.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.skipVerify,
		},
	}

	c.logger.Info("Attempting to connect to WebSocket for batch subscription", "url", wsURL.Host)

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			c.logger.Error("WebSocket dial error with response", "status", resp.Status, "error", err)
			return nil, errors.Wrapf(err, "failed to dial websocket (status: %s)", resp.Status)
		}
		c.logger.Error("WebSocket dial error", "error", err)
		return nil, errors.Wrap(err, "failed to dial websocket")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		conn:   conn,
		logger: c.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.pingLoop(subCtx)
	go sub.readLoop(subCtx, onBatch)

	c.logger.Info("Connected to WebSocket, listening for batches")
	return sub, nil
}

// Join asks the server to add this connection to the given user's scope.
// The server ignores requests the token is not authorized for.
func (s *Subscription) Join(userID string) error {
	return s.writeControl(models.ControlMessage{Action: models.ControlJoin, User: userID})
}

// Leave removes this connection from the given user's scope.
func (s *Subscription) Leave(userID string) error {
	return s.writeControl(models.ControlMessage{Action: models.ControlLeave, User: userID})
}

// Done is closed once the read loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close tears the subscription down, attempting a clean websocket close.
func (s *Subscription) Close() error {
	s.cancel()

	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Debug("Error sending close message", "error", err)
	}
	return s.conn.Close()
}

func (s *Subscription) writeControl(ctl models.ControlMessage) error {
	payload, err := json.Marshal(ctl)
	if err != nil {
		return errors.Wrap(err, "failed to marshal control message")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrapf(err, "failed to send %s control message", ctl.Action)
	}
	return nil
}

func (s *Subscription) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("Error sending ping", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) readLoop(ctx context.Context, onBatch func([]models.Event)) {
	defer func() {
		s.cancel()
		s.conn.Close()
		close(s.done)
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error("Error reading message from WebSocket", "error", err)
			} else {
				s.logger.Info("WebSocket connection closed", "error", err)
			}
			return
		}

		var batch models.BatchMessage
		if err := json.Unmarshal(message, &batch); err != nil {
			s.logger.Error("Failed to unmarshal batch message", "error", err, "message", string(message))
			continue
		}
		if batch.Kind != models.MessageKindBatch {
			s.logger.Debug("Ignoring message of unexpected kind", "kind", batch.Kind)
			continue
		}
		if onBatch != nil {
			onBatch(batch.Events)
		}
	}
}
