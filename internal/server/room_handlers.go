package server

import (
	"net/http"

	"ensemble/internal/protocol"
	"ensemble/internal/room"
)

// RoomView is the room projection.
type RoomView struct {
	Role           room.Role          `json:"role"`
	SelfID         string             `json:"selfId"`
	State          protocol.RoomState `json:"state"`
	QueueTitle     *string            `json:"queueTitle"`
	BufferingUsers []string           `json:"bufferingUsers"`
	Sync           any                `json:"sync,omitempty"`
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	view := RoomView{
		Role:           s.deps.Room.Role(),
		SelfID:         s.deps.Room.SelfID(),
		State:          s.deps.Room.State(),
		QueueTitle:     s.deps.Room.QueueTitle(),
		BufferingUsers: s.deps.Room.BufferingUsers(),
	}
	if s.deps.Syncer != nil {
		view.Sync = s.deps.Syncer.Status()
	}
	s.respondOK(w, view)
}

func (s *Server) handleGetJoinRequests(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.deps.Room.PendingJoinRequests())
}

func (s *Server) handleGetSuggestions(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.deps.Room.PendingSuggestions())
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.deps.Room.ChatHistory())
}

// actionRequest is the union of fields accepted by the room action
// endpoints. Each endpoint reads only its own.
type actionRequest struct {
	Username     string              `json:"username"`
	RoomCode     string              `json:"roomCode"`
	UserID       string              `json:"userId"`
	Reason       string              `json:"reason"`
	SuggestionID string              `json:"suggestionId"`
	TrackID      string              `json:"trackId"`
	Track        *protocol.TrackInfo `json:"track"`
	Message      string              `json:"message"`
}

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if verr := decodeBody(r, &req); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return req, false
	}
	req.Username = sanitizeInput(req.Username)
	req.RoomCode = sanitizeInput(req.RoomCode)
	req.UserID = sanitizeInput(req.UserID)
	req.Reason = sanitizeInput(req.Reason)
	req.SuggestionID = sanitizeInput(req.SuggestionID)
	req.TrackID = sanitizeInput(req.TrackID)
	req.Message = sanitizeInput(req.Message)
	if req.Username == "" {
		req.Username = s.opts.DefaultUsername
	}
	return req, true
}

// act runs a validated action and writes the outcome.
func (s *Server) act(w http.ResponseWriter, r *http.Request, errs []ValidationError, action func() error) {
	if len(errs) > 0 {
		s.respondWithValidationError(w, r, errs)
		return
	}
	if err := action(); err != nil {
		s.respondWithActionError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.respondJSON(w, map[string]any{"success": true})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	s.act(w, r, collect(validateUsername(req.Username)), func() error {
		return s.deps.Room.CreateRoom(req.Username)
	})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	errs := collect(validateRoomCode(req.RoomCode), validateUsername(req.Username))
	s.act(w, r, errs, func() error {
		return s.deps.Room.JoinRoom(req.RoomCode, req.Username)
	})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, nil, func() error {
		s.deps.Room.LeaveRoom()
		return nil
	})
}

func (s *Server) handleApproveJoin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	s.act(w, r, collect(validateID("userId", req.UserID)), func() error {
		return s.deps.Room.ApproveJoin(req.UserID)
	})
}

func (s *Server) handleRejectJoin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	errs := collect(validateID("userId", req.UserID), validateText("reason", req.Reason, maxReasonLen))
	s.act(w, r, errs, func() error {
		return s.deps.Room.RejectJoin(req.UserID, req.Reason)
	})
}

func (s *Server) handleKickUser(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	errs := collect(validateID("userId", req.UserID), validateText("reason", req.Reason, maxReasonLen))
	s.act(w, r, errs, func() error {
		return s.deps.Room.KickUser(req.UserID, req.Reason)
	})
}

func (s *Server) handleTransferHost(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	s.act(w, r, collect(validateID("userId", req.UserID)), func() error {
		return s.deps.Room.TransferHost(req.UserID)
	})
}

// handleSuggestTrack accepts either a library track id or full track
// metadata.
func (s *Server) handleSuggestTrack(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}

	var track protocol.TrackInfo
	switch {
	case req.Track != nil:
		track = *req.Track
	case req.TrackID != "" && s.deps.Library != nil:
		item, err := s.deps.Library.Track(req.TrackID)
		if err != nil {
			s.respondWithError(w, r, http.StatusNotFound, "Track not found", err)
			return
		}
		track = item.TrackInfo()
	}

	errs := collect(validateID("trackId", track.ID))
	s.act(w, r, errs, func() error {
		return s.deps.Room.SuggestTrack(track)
	})
}

func (s *Server) handleApproveSuggestion(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	s.act(w, r, collect(validateID("suggestionId", req.SuggestionID)), func() error {
		return s.deps.Room.ApproveSuggestion(req.SuggestionID)
	})
}

func (s *Server) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	errs := collect(validateID("suggestionId", req.SuggestionID), validateText("reason", req.Reason, maxReasonLen))
	s.act(w, r, errs, func() error {
		return s.deps.Room.RejectSuggestion(req.SuggestionID, req.Reason)
	})
}

func (s *Server) handleRequestSync(w http.ResponseWriter, r *http.Request) {
	s.act(w, r, nil, s.deps.Room.RequestSync)
}

func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	s.act(w, r, collect(validateText("message", req.Message, maxChatLen)), func() error {
		return s.deps.Room.SendChat(req.Message)
	})
}
