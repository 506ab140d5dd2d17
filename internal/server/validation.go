package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"

	"ensemble/internal/player"
	"ensemble/internal/room"

	"github.com/sirupsen/logrus"
)

const (
	maxBodyBytes   = 64 << 10
	maxUsernameLen = 64
	maxRoomCodeLen = 16
	maxReasonLen   = 500
	maxChatLen     = 2000
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("Failed to write JSON response")
	}
}

// respondOK writes v as a 200 JSON response.
func (s *Server) respondOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	s.respondJSON(w, v)
}

// respondWithValidationError sends a structured validation error response
func (s *Server) respondWithValidationError(w http.ResponseWriter, r *http.Request, errs []ValidationError) {
	s.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errs,
	}).Warn("Validation failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	s.respondJSON(w, ValidationResult{Valid: false, Errors: errs})
}

// respondWithError sends a structured error response
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	if statusCode >= 500 {
		entry.Error("Server error")
	} else {
		entry.Debug("Client error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	s.respondJSON(w, map[string]any{
		"error":   message,
		"code":    statusCode,
		"success": false,
	})
}

// respondWithActionError maps a room or player error to a status code.
func (s *Server) respondWithActionError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, room.ErrInvalidUsername), errors.Is(err, room.ErrInvalidRoomCode), errors.Is(err, room.ErrEmptyChatMessage):
		status = http.StatusBadRequest
	case errors.Is(err, room.ErrNotHost), errors.Is(err, player.ErrVetoed):
		status = http.StatusForbidden
	case errors.Is(err, room.ErrNotInRoom), errors.Is(err, player.ErrEmptyQueue):
		status = http.StatusConflict
	case errors.Is(err, room.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	s.respondWithError(w, r, status, err.Error(), err)
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(r *http.Request, v any) *ValidationError {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &ValidationError{
			Field:   "body",
			Message: "Request body must be valid JSON",
			Code:    "INVALID_JSON",
		}
	}
	return nil
}

// validateUsername checks a display name.
func validateUsername(name string) *ValidationError {
	switch {
	case name == "":
		return &ValidationError{Field: "username", Message: "Username is required", Code: "MISSING_USERNAME"}
	case len(name) > maxUsernameLen:
		return &ValidationError{Field: "username", Message: fmt.Sprintf("Username too long (max %d characters)", maxUsernameLen), Code: "USERNAME_TOO_LONG"}
	case strings.ContainsFunc(name, unicode.IsControl):
		return &ValidationError{Field: "username", Message: "Username contains invalid characters", Code: "INVALID_USERNAME_CHARACTERS"}
	}
	return nil
}

// validateRoomCode checks a room code before it is upper-cased.
func validateRoomCode(code string) *ValidationError {
	switch {
	case code == "":
		return &ValidationError{Field: "roomCode", Message: "Room code is required", Code: "MISSING_ROOM_CODE"}
	case len(code) > maxRoomCodeLen:
		return &ValidationError{Field: "roomCode", Message: fmt.Sprintf("Room code too long (max %d characters)", maxRoomCodeLen), Code: "ROOM_CODE_TOO_LONG"}
	case strings.ContainsFunc(code, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }):
		return &ValidationError{Field: "roomCode", Message: "Room code must be letters and digits", Code: "INVALID_ROOM_CODE_CHARACTERS"}
	}
	return nil
}

// validateID checks a server-issued identifier field.
func validateID(field, id string) *ValidationError {
	if id == "" {
		return &ValidationError{Field: field, Message: field + " is required", Code: "MISSING_" + strings.ToUpper(field)}
	}
	if strings.ContainsFunc(id, unicode.IsControl) {
		return &ValidationError{Field: field, Message: field + " contains invalid characters", Code: "INVALID_" + strings.ToUpper(field)}
	}
	return nil
}

// validateText bounds free text such as reasons and chat.
func validateText(field, text string, max int) *ValidationError {
	if len(text) > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("%s too long (max %d characters)", field, max), Code: strings.ToUpper(field) + "_TOO_LONG"}
	}
	return nil
}

// collect drops nil results.
func collect(errs ...*ValidationError) []ValidationError {
	var out []ValidationError
	for _, e := range errs {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// sanitizeInput removes null bytes and surrounding whitespace.
func sanitizeInput(input string) string {
	return strings.TrimSpace(strings.ReplaceAll(input, "\x00", ""))
}
