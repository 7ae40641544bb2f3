package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/TallyWorks/tally/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrTooManyConnections = errors.New("max websocket connections reached")

var _ Sink = (*Registry)(nil)

/*
	Registry owns the mapping from scope to the set of connections eligible
	to receive it. Membership is evaluated at delivery time: a client that
	joins mid-window receives the batch, one that left does not. Each room
	carries its own lock so connect/disconnect churn on one user never
	serializes against another.
*/

type Registry struct {
	appCtx         context.Context
	logger         *slog.Logger
	maxConnections int

	rooms  sync.Map // Scope -> *room
	conns  sync.Map // connection id -> *session
	active atomic.Int32
}

type room struct {
	mu      sync.Mutex
	members map[*session]struct{}
	dead    bool
}

func NewRegistry(ctx context.Context, logger *slog.Logger, maxConnections int) *Registry {
	return &Registry{
		appCtx:         ctx,
		logger:         logger.With("component", "registry"),
		maxConnections: maxConnections,
	}
}

// Attach wraps an upgraded websocket connection in a session, registers it,
// and starts its read and write pumps. The session belongs to the global
// scope immediately; user scopes are joined by client control messages.
func (r *Registry) Attach(conn *websocket.Conn, userID string, admin bool) error {
	s := &session{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		registry: r,
		logger:   r.logger.With("conn", conn.RemoteAddr().String()),
		userID:   userID,
		admin:    admin,
		remote:   conn.RemoteAddr().String(),
		scopes:   make(map[Scope]struct{}),
	}

	if err := r.registerSession(s); err != nil {
		return err
	}

	go s.writePump()
	go s.readPump()
	return nil
}

func (r *Registry) registerSession(s *session) error {
	if r.maxConnections > 0 && int(r.active.Load()) >= r.maxConnections {
		r.logger.Warn("rejecting connection, max reached", "active", r.active.Load(), "max", r.maxConnections)
		return ErrTooManyConnections
	}
	r.active.Add(1)
	r.conns.Store(s.id, s)
	r.joinScope(s, GlobalScope())
	r.logger.Info("session registered", "id", s.id, "remote", s.remote, "user", s.userID)
	return nil
}

// unregisterSession removes the session from every scope it belonged to and
// closes its send channel. Triggered by transport teardown, not protocol.
func (r *Registry) unregisterSession(s *session) {
	if _, loaded := r.conns.LoadAndDelete(s.id); !loaded {
		return
	}
	r.active.Add(-1)

	s.mu.Lock()
	scopes := make([]Scope, 0, len(s.scopes))
	for scope := range s.scopes {
		scopes = append(scopes, scope)
	}
	s.mu.Unlock()

	for _, scope := range scopes {
		r.leaveScope(s, scope)
	}
	close(s.send)
	r.logger.Info("session unregistered", "id", s.id, "remote", s.remote)
}

// joinUser adds the session to the given user's room. An empty user id is
// client-supplied garbage on an open connection: ignored, not an error.
func (r *Registry) joinUser(s *session, userID string) {
	if userID == "" {
		r.logger.Warn("ignoring join with empty user id", "id", s.id)
		return
	}
	r.joinScope(s, UserScope(userID))
}

// leaveUser removes the session from the user's room. Leaving a room the
// session never joined is a no-op.
func (r *Registry) leaveUser(s *session, userID string) {
	if userID == "" {
		r.logger.Warn("ignoring leave with empty user id", "id", s.id)
		return
	}
	r.leaveScope(s, UserScope(userID))
}

func (r *Registry) joinScope(s *session, scope Scope) {
	for {
		v, ok := r.rooms.Load(scope)
		if !ok {
			v, _ = r.rooms.LoadOrStore(scope, &room{members: make(map[*session]struct{})})
		}
		rm := v.(*room)

		rm.mu.Lock()
		if rm.dead {
			// The room emptied out and is being dropped from the map
			// concurrently. Retry against a fresh one.
			rm.mu.Unlock()
			continue
		}
		rm.members[s] = struct{}{}
		rm.mu.Unlock()

		s.mu.Lock()
		s.scopes[scope] = struct{}{}
		s.mu.Unlock()

		r.logger.Debug("session joined scope", "id", s.id, "scope", scope.String())
		return
	}
}

func (r *Registry) leaveScope(s *session, scope Scope) {
	v, ok := r.rooms.Load(scope)
	if !ok {
		return
	}
	rm := v.(*room)

	rm.mu.Lock()
	if rm.dead {
		rm.mu.Unlock()
		return
	}
	delete(rm.members, s)
	if len(rm.members) == 0 {
		rm.dead = true
		r.rooms.CompareAndDelete(scope, v)
	}
	rm.mu.Unlock()

	s.mu.Lock()
	delete(s.scopes, scope)
	s.mu.Unlock()

	r.logger.Debug("session left scope", "id", s.id, "scope", scope.String())
}

// Deliver sends the batch as a single message to every connection currently
// in the scope. A scope with no subscribers is a no-op: the batch is simply
// discarded, never buffered. Slow consumers are skipped rather than blocked
// on; their client-side refresh covers the gap.
func (r *Registry) Deliver(scope Scope, events []models.Event) {
	v, ok := r.rooms.Load(scope)
	if !ok {
		r.logger.Debug("no subscribers for scope, dropping batch", "scope", scope.String(), "events", len(events))
		return
	}
	rm := v.(*room)

	message, err := json.Marshal(models.BatchMessage{
		Kind:   models.MessageKindBatch,
		Events: events,
	})
	if err != nil {
		r.logger.Error("failed to marshal batch", "scope", scope.String(), "error", err)
		return
	}

	// Sends happen under the room lock so a session cannot be unregistered
	// (and its send channel closed) mid-dispatch. Sends are non-blocking,
	// so the lock is held only briefly.
	rm.mu.Lock()
	for s := range rm.members {
		select {
		case s.send <- message:
		default:
			r.logger.Warn("send channel full, dropping batch for connection", "id", s.id, "remote", s.remote, "scope", scope.String())
		}
	}
	rm.mu.Unlock()
}

// Connections reports the number of live sessions.
func (r *Registry) Connections() int {
	return int(r.active.Load())
}
