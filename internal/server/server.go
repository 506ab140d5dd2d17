// Package server exposes the client's room, connection and playback state
// over a local HTTP surface, with action endpoints and a server-sent event
// feed for UIs.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"ensemble/internal/connection"
	"ensemble/internal/player"
	"ensemble/internal/protocol"
	"ensemble/internal/room"
	"ensemble/internal/session"
	"ensemble/internal/syncer"
	"ensemble/pkg/models"

	"github.com/sirupsen/logrus"
)

// Room is the room state machine.
type Room interface {
	Role() room.Role
	SelfID() string
	State() protocol.RoomState
	QueueTitle() *string
	PendingJoinRequests() []room.JoinRequest
	PendingSuggestions() []room.Suggestion
	BufferingUsers() []string
	ChatHistory() []protocol.ChatMessagePayload
	Subscribe(buffer int) (<-chan room.Event, func())

	CreateRoom(username string) error
	JoinRoom(roomCode, username string) error
	LeaveRoom()
	ApproveJoin(userID string) error
	RejectJoin(userID, reason string) error
	KickUser(userID, reason string) error
	TransferHost(userID string) error
	SuggestTrack(track protocol.TrackInfo) error
	ApproveSuggestion(suggestionID string) error
	RejectSuggestion(suggestionID, reason string) error
	RequestSync() error
	SendChat(text string) error
}

// Connection is the connection manager.
type Connection interface {
	State() connection.State
	Session() *session.Session
	Subscribe() (<-chan connection.Event, func())
}

// Player is the local media engine.
type Player interface {
	GetState() player.State
	Queue() []models.MediaItem
	TogglePlayPause() error
	UserSeek(positionMs int64) error
	SkipTo(index int) error
	SetMediaItems(items []models.MediaItem, index int, positionMs int64)
	AddMediaItems(items ...models.MediaItem)
}

// Syncer reports synchronization progress.
type Syncer interface {
	Status() syncer.Status
}

// Library is the local track index.
type Library interface {
	Tracks() ([]models.MediaItem, error)
	Track(id string) (*models.MediaItem, error)
	AlbumArt(artID string) ([]byte, bool)
}

// Pinger checks storage health.
type Pinger interface {
	Ping() error
}

// Options configures the HTTP surface.
type Options struct {
	Addr            string
	EnableCORS      bool
	RequestLogging  bool
	DefaultUsername string
}

// Deps are the components the server reads and drives.
type Deps struct {
	Room       Room
	Connection Connection
	Player     Player
	Syncer     Syncer
	Library    Library
	DB         Pinger
}

// Server is the local status and control surface.
type Server struct {
	opts   Options
	deps   Deps
	logger *logrus.Logger
	start  time.Time
}

// New creates a server. Library and DB may be nil.
func New(opts Options, deps Deps, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Server{opts: opts, deps: deps, logger: logger, start: time.Now()}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealthCheck)
	mux.HandleFunc("GET /api/connection", s.handleGetConnection)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/room", s.handleGetRoom)
	mux.HandleFunc("GET /api/room/requests", s.handleGetJoinRequests)
	mux.HandleFunc("GET /api/room/suggestions", s.handleGetSuggestions)
	mux.HandleFunc("GET /api/room/chat", s.handleGetChat)
	mux.HandleFunc("POST /api/room/create", s.handleCreateRoom)
	mux.HandleFunc("POST /api/room/join", s.handleJoinRoom)
	mux.HandleFunc("POST /api/room/leave", s.handleLeaveRoom)
	mux.HandleFunc("POST /api/room/approve", s.handleApproveJoin)
	mux.HandleFunc("POST /api/room/reject", s.handleRejectJoin)
	mux.HandleFunc("POST /api/room/kick", s.handleKickUser)
	mux.HandleFunc("POST /api/room/transfer", s.handleTransferHost)
	mux.HandleFunc("POST /api/room/suggest", s.handleSuggestTrack)
	mux.HandleFunc("POST /api/room/suggestion/approve", s.handleApproveSuggestion)
	mux.HandleFunc("POST /api/room/suggestion/reject", s.handleRejectSuggestion)
	mux.HandleFunc("POST /api/room/sync", s.handleRequestSync)
	mux.HandleFunc("POST /api/room/chat", s.handleSendChat)

	mux.HandleFunc("GET /api/player", s.handleGetPlayerState)
	mux.HandleFunc("POST /api/player/toggle", s.handleTogglePlayPause)
	mux.HandleFunc("POST /api/player/seek", s.handleSeek)
	mux.HandleFunc("POST /api/player/skip", s.handleSkip)
	mux.HandleFunc("POST /api/player/queue", s.handleSetQueue)

	mux.HandleFunc("GET /api/library/tracks", s.handleGetTracks)
	mux.HandleFunc("GET /api/library/art/{id}", s.handleAlbumArt)
	mux.HandleFunc("GET /api/library/stream/{id}", s.handleStreamTrack)

	var h http.Handler = mux
	h = s.corsMiddleware(h)
	h = s.requestLoggingMiddleware(h)
	h = s.panicRecoveryMiddleware(h)
	return h
}

// Run serves until ctx is done, then shuts down gracefully. Request
// contexts derive from ctx so long-lived event streams end with it.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.opts.Addr).Info("Status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Status server stopped")
	return nil
}
