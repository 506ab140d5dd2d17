package server

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"ensemble/internal/library"
)

const maxSearchLen = 1000

// handleGetTracks lists the local library, optionally filtered by a
// case-insensitive search over title, artist and album.
func (s *Server) handleGetTracks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Library == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Library disabled", nil)
		return
	}
	query := sanitizeInput(r.URL.Query().Get("search"))
	if verr := validateText("search", query, maxSearchLen); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	tracks, err := s.deps.Library.Tracks()
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving tracks", err)
		return
	}
	if query != "" {
		q := strings.ToLower(query)
		filtered := tracks[:0]
		for _, t := range tracks {
			if strings.Contains(strings.ToLower(t.Title+"\x00"+t.Artist+"\x00"+t.Album), q) {
				filtered = append(filtered, t)
			}
		}
		tracks = filtered
	}
	s.respondOK(w, tracks)
}

// handleAlbumArt serves artwork extracted from indexed files.
func (s *Server) handleAlbumArt(w http.ResponseWriter, r *http.Request) {
	artID := r.PathValue("id")
	if s.deps.Library == nil || artID == "" {
		http.NotFound(w, r)
		return
	}
	data, ok := s.deps.Library.AlbumArt(artID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", library.AlbumArtMimeType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}

// handleStreamTrack serves a library file with range support so a browser
// UI can play it.
func (s *Server) handleStreamTrack(w http.ResponseWriter, r *http.Request) {
	if s.deps.Library == nil {
		http.NotFound(w, r)
		return
	}
	track, err := s.deps.Library.Track(r.PathValue("id"))
	if err != nil {
		s.respondWithError(w, r, http.StatusNotFound, "Track not found", err)
		return
	}

	file, err := os.Open(track.FilePath)
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error opening audio file", err)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error reading file info", err)
		return
	}

	w.Header().Set("Content-Type", library.ContentType(track.FilePath))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), file)
}
