package server

import (
	"net/http"
	"time"

	"ensemble/internal/connection"
	"ensemble/internal/room"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status     string           `json:"status"`
	Timestamp  time.Time        `json:"timestamp"`
	Uptime     string           `json:"uptime"`
	Database   string           `json:"database"`
	Connection connection.State `json:"connection"`
	Role       room.Role        `json:"role"`
	Tracks     int              `json:"trackCount"`
	Details    map[string]any   `json:"details,omitempty"`
}

// handleHealthCheck reports liveness plus storage and connection checks. A
// failing database makes the client unhealthy; a dropped room connection
// only degrades it.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Uptime:     time.Since(s.start).Round(time.Second).String(),
		Database:   "ok",
		Connection: s.deps.Connection.State(),
		Role:       s.deps.Room.Role(),
		Details:    make(map[string]any),
	}

	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(); err != nil {
			health.Status = "unhealthy"
			health.Database = "error"
			health.Details["database_error"] = err.Error()
		}
	} else {
		health.Database = "disabled"
	}

	if health.Status == "healthy" && health.Connection != connection.Connected {
		health.Status = "degraded"
	}

	if s.deps.Library != nil {
		tracks, err := s.deps.Library.Tracks()
		if err != nil {
			health.Details["track_count_error"] = err.Error()
		} else {
			health.Tracks = len(tracks)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.respondJSON(w, health)
}

// ConnectionView is the connection projection.
type ConnectionView struct {
	State    connection.State `json:"state"`
	InRoom   bool             `json:"inRoom"`
	RoomCode string           `json:"roomCode,omitempty"`
	UserID   string           `json:"userId,omitempty"`
	IsHost   bool             `json:"isHost"`
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	view := ConnectionView{State: s.deps.Connection.State()}
	if sess := s.deps.Connection.Session(); sess != nil {
		view.InRoom = true
		view.RoomCode = sess.RoomCode
		view.UserID = sess.UserID
		view.IsHost = sess.IsHost
	}
	s.respondOK(w, view)
}
