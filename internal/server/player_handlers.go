package server

import (
	"net/http"

	"ensemble/internal/player"
	"ensemble/internal/room"
	"ensemble/pkg/models"
)

// PlayerView is the playback projection.
type PlayerView struct {
	State player.State       `json:"state"`
	Queue []models.MediaItem `json:"queue"`
}

// handleGetPlayerState returns the current player state and queue.
func (s *Server) handleGetPlayerState(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, PlayerView{
		State: s.deps.Player.GetState(),
		Queue: s.deps.Player.Queue(),
	})
}

// Transport requests go through the engine's user controls, which refuse
// them for guests.

func (s *Server) handleTogglePlayPause(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, nil, s.deps.Player.TogglePlayPause)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PositionMs *int64 `json:"position"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	var errs []ValidationError
	if req.PositionMs == nil || *req.PositionMs < 0 {
		errs = append(errs, ValidationError{Field: "position", Message: "Position must be a non-negative number of milliseconds", Code: "INVALID_POSITION"})
	}
	s.act(w, r, errs, func() error {
		return s.deps.Player.UserSeek(*req.PositionMs)
	})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index *int `json:"index"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	var errs []ValidationError
	if req.Index == nil || *req.Index < 0 || *req.Index >= len(s.deps.Player.Queue()) {
		errs = append(errs, ValidationError{Field: "index", Message: "Index must point into the queue", Code: "INVALID_INDEX"})
	}
	s.act(w, r, errs, func() error {
		return s.deps.Player.SkipTo(*req.Index)
	})
}

// handleSetQueue loads library tracks into the local queue, replacing it or
// appending. Guests follow the host's queue and cannot edit their own.
func (s *Server) handleSetQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackIDs []string `json:"trackIds"`
		Append   bool     `json:"append"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if s.deps.Room.Role() == room.RoleGuest {
		s.respondWithActionError(w, r, room.ErrNotHost)
		return
	}
	if s.deps.Library == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Library disabled", nil)
		return
	}
	if len(req.TrackIDs) == 0 {
		s.respondWithValidationError(w, r, []ValidationError{{Field: "trackIds", Message: "At least one track id is required", Code: "MISSING_TRACK_IDS"}})
		return
	}

	items := make([]models.MediaItem, 0, len(req.TrackIDs))
	for _, id := range req.TrackIDs {
		item, err := s.deps.Library.Track(sanitizeInput(id))
		if err != nil {
			s.respondWithError(w, r, http.StatusNotFound, "Track not found: "+id, err)
			return
		}
		items = append(items, *item)
	}

	s.act(w, r, nil, func() error {
		if req.Append {
			s.deps.Player.AddMediaItems(items...)
		} else {
			s.deps.Player.SetMediaItems(items, 0, 0)
		}
		return nil
	})
}
