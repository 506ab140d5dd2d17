package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ensemble/internal/connection"
)

const (
	eventBuffer       = 64
	keepAliveInterval = 20 * time.Second
)

// connectionEvent is the wire form of a connection lifecycle event.
type connectionEvent struct {
	Kind        string           `json:"kind"`
	State       connection.State `json:"state"`
	Attempt     int              `json:"attempt,omitempty"`
	MaxAttempts int              `json:"maxAttempts,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// handleEvents streams room and connection events as server-sent events.
// Room events use their own names; connection events use "connection".
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, r, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	roomEvents, stopRoom := s.deps.Room.Subscribe(eventBuffer)
	defer stopRoom()
	connEvents, stopConn := s.deps.Connection.Subscribe()
	defer stopConn()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "connection", connectionEvent{Kind: "snapshot", State: s.deps.Connection.State()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-roomEvents:
			if !ok {
				return
			}
			err = writeEvent(w, evt.EventName(), evt)
		case evt, ok := <-connEvents:
			if !ok {
				return
			}
			ce := connectionEvent{Kind: evt.Kind.String(), State: evt.State, Attempt: evt.Attempt, MaxAttempts: evt.MaxAttempts}
			if evt.Err != nil {
				ce.Error = evt.Err.Error()
			}
			err = writeEvent(w, "connection", ce)
		case <-ticker.C:
			_, err = fmt.Fprint(w, ": keep-alive\n\n")
		}
		if err != nil {
			s.logger.WithError(err).Debug("Event stream closed")
			return
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
