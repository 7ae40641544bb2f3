package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/TallyWorks/tally/models"
)

// subscribeHandler upgrades the request to a websocket and hands the
// connection to the registry. The connection joins the global scope
// immediately; user rooms are joined by client control messages afterwards.
func (s *Service) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	s.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "user", id.UserID)

	if err := s.registry.Attach(conn, id.UserID, id.Admin); err != nil {
		s.logger.Warn("Rejecting WebSocket connection", "remote_addr", conn.RemoteAddr().String(), "error", err)
		conn.Close()
	}
}

// publishHandler is the producer interface for out-of-process callers: the
// bookkeeping backend reports changes here after its own writes commit.
// Acceptance is decoupled from delivery, so anything past auth and decoding
// answers 202 whether or not the event survives the boundary checks.
func (s *Service) publishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !id.Admin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	defer r.Body.Close()
	var p models.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.logger.Error("Invalid JSON payload for publish request", "error", err)
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	if p.Scope == "" {
		s.notifier.NotifyAll(p.Event)
	} else {
		s.notifier.NotifyUser(p.Scope, p.Event)
	}
	w.WriteHeader(http.StatusAccepted)
}

// aliveHandler reports whether the realtime subsystem is initialized, for
// external monitoring. Distinct from the process health check below.
func (s *Service) aliveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.AliveResponse{
		Alive: s.notifier.Ready(),
	})
}

func (s *Service) pingHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ValidateToken(r); !ok {
		s.logger.Warn("Token validation failed during ping", "remote_addr", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"error_type": "AUTHENTICATION_FAILED",
			"message":    "Authentication failed. Invalid or missing token.",
		})
		return
	}

	uptime := time.Since(s.startedAt).String()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.PingResponse{
		Status:      "ok",
		Uptime:      uptime,
		Connections: s.registry.Connections(),
	})
}
