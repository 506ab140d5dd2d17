// Package room turns inbound room protocol messages into the local view of
// the room (state, role, membership, pending decisions) and publishes one
// typed event per applied transition.
package room

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"ensemble/internal/connection"
	"ensemble/internal/protocol"
	"ensemble/internal/session"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotHost          = errors.New("only the host can do that")
	ErrNotInRoom        = errors.New("not in a room")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidUsername  = errors.New("username must not be empty")
	ErrInvalidRoomCode  = errors.New("room code must not be empty")
	ErrEmptyChatMessage = errors.New("chat message must not be empty")
)

// chatHistorySize bounds the in-memory chat ring.
const chatHistorySize = 100

// Connection is the subset of the connection manager the machine drives.
type Connection interface {
	CreateRoom(username string)
	JoinRoom(roomCode, username string)
	LeaveRoom()
	Send(msg protocol.Message) bool
	Session() *session.Session
	InRoom() bool
}

type handlerFunc func(env protocol.Envelope) error

// Machine is the room state machine. Inbound messages arrive through
// Handle in receipt order; UI mutations go through the action methods.
type Machine struct {
	conn     Connection
	logger   *logrus.Logger
	now      func() time.Time
	handlers map[protocol.MessageType]handlerFunc

	mu             sync.RWMutex
	role           Role
	selfID         string
	username       string
	state          protocol.RoomState
	queueTitle     *string
	pendingJoins   []JoinRequest
	suggestions    []Suggestion
	bufferingUsers []string
	chat           []protocol.ChatMessagePayload

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// NewMachine creates a machine bound to conn. Install Handle as the
// connection's inbound handler.
func NewMachine(conn Connection, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	m := &Machine{
		conn:   conn,
		logger: logger,
		now:    time.Now,
		subs:   make(map[chan Event]struct{}),
	}
	if sess := conn.Session(); sess != nil {
		m.username = sess.Username
	}

	m.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeRoomCreated:        m.onRoomCreated,
		protocol.TypeJoinRequest:        m.onJoinRequest,
		protocol.TypeJoinApproved:       m.onJoinApproved,
		protocol.TypeJoinRejected:       m.onJoinRejected,
		protocol.TypeReconnected:        m.onReconnected,
		protocol.TypeUserJoined:         m.onUserJoined,
		protocol.TypeUserLeft:           m.onUserLeft,
		protocol.TypeUserDisconnected:   m.onUserConnectivity(false),
		protocol.TypeUserReconnected:    m.onUserConnectivity(true),
		protocol.TypeHostChanged:        m.onHostChanged,
		protocol.TypeKicked:             m.onKicked,
		protocol.TypeError:              m.onError,
		protocol.TypePlay:               m.onPlay,
		protocol.TypePause:              m.onPause,
		protocol.TypeSeek:               m.onSeek,
		protocol.TypeChangeTrack:        m.onChangeTrack,
		protocol.TypeSyncQueue:          m.onSyncQueue,
		protocol.TypeSyncState:          m.onSyncState,
		protocol.TypeBufferWait:         m.onBufferWait,
		protocol.TypeBufferComplete:     m.onBufferComplete,
		protocol.TypeChatMessage:        m.onChat,
		protocol.TypeSuggestionReceived: m.onSuggestionReceived,
		protocol.TypeSuggestionApproved: m.onSuggestionApproved,
		protocol.TypeSuggestionRejected: m.onSuggestionRejected,
	}
	return m
}

// Handle applies one inbound message.
func (m *Machine) Handle(env protocol.Envelope) {
	h, ok := m.handlers[env.Type]
	if !ok {
		m.logger.WithField("type", env.Type).Debug("No room handler for message")
		return
	}
	if err := h(env); err != nil {
		m.logger.WithError(err).WithField("type", env.Type).Debug("Dropping undecodable room message")
	}
}

// Watch follows connection events until ctx is done or events closes. A
// terminal connection error with no remaining membership resets the room.
func (m *Machine) Watch(ctx context.Context, events <-chan connection.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind != connection.EventConnectionError || m.conn.InRoom() {
				continue
			}
			m.mu.Lock()
			if m.role != RoleNone {
				m.resetLocked()
				m.publish(Left{Reason: "connection lost"})
			}
			m.mu.Unlock()
		}
	}
}

// Subscribe returns a channel receiving every published event. Events are
// dropped for a subscriber whose buffer is full.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subsMu.Unlock()
	}
}

func (m *Machine) publish(evt Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- evt:
		default:
			m.logger.WithField("event", evt.EventName()).Warn("Room event dropped for slow subscriber")
		}
	}
}

// Getters. All return copies.

func (m *Machine) Role() Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

func (m *Machine) SelfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfID
}

func (m *Machine) InRoom() bool {
	return m.Role() != RoleNone
}

func (m *Machine) State() protocol.RoomState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyState(m.state)
}

func (m *Machine) QueueTitle() *string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.queueTitle == nil {
		return nil
	}
	t := *m.queueTitle
	return &t
}

func (m *Machine) PendingJoinRequests() []JoinRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]JoinRequest{}, m.pendingJoins...)
}

func (m *Machine) PendingSuggestions() []Suggestion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Suggestion{}, m.suggestions...)
}

func (m *Machine) BufferingUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.bufferingUsers...)
}

func (m *Machine) ChatHistory() []protocol.ChatMessagePayload {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.ChatMessagePayload{}, m.chat...)
}

func copyState(s protocol.RoomState) protocol.RoomState {
	s.Users = slices.Clone(s.Users)
	s.Queue = slices.Clone(s.Queue)
	if s.CurrentTrack != nil {
		t := *s.CurrentTrack
		s.CurrentTrack = &t
	}
	return s
}

// resetLocked returns to RoleNone and drops all room-scoped data.
func (m *Machine) resetLocked() {
	from := m.role
	m.role = RoleNone
	m.selfID = ""
	m.state = protocol.RoomState{}
	m.queueTitle = nil
	m.pendingJoins = nil
	m.suggestions = nil
	m.bufferingUsers = nil
	m.chat = nil
	if from != RoleNone {
		m.publish(RoleChanged{From: from, To: RoleNone})
	}
}

func (m *Machine) setRoleLocked(r Role) {
	if m.role == r {
		return
	}
	from := m.role
	m.role = r
	m.logger.WithFields(logrus.Fields{"from": from, "to": r}).Info("Room role changed")
	m.publish(RoleChanged{From: from, To: r})
}

func roleFor(isHost bool) Role {
	if isHost {
		return RoleHost
	}
	return RoleGuest
}

// Actions.

// CreateRoom asks the server for a new room hosted by username.
func (m *Machine) CreateRoom(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrInvalidUsername
	}
	m.mu.Lock()
	m.username = username
	m.mu.Unlock()
	m.conn.CreateRoom(username)
	return nil
}

// JoinRoom requests to join roomCode as username.
func (m *Machine) JoinRoom(roomCode, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrInvalidUsername
	}
	if strings.TrimSpace(roomCode) == "" {
		return ErrInvalidRoomCode
	}
	m.mu.Lock()
	m.username = username
	m.mu.Unlock()
	m.conn.JoinRoom(roomCode, username)
	return nil
}

// LeaveRoom leaves the room and resets local state.
func (m *Machine) LeaveRoom() {
	m.conn.LeaveRoom()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RoleNone {
		m.resetLocked()
		m.publish(Left{Reason: "left"})
	}
}

func (m *Machine) ApproveJoin(userID string) error {
	if err := m.send(true, protocol.Message{Type: protocol.TypeApproveJoin, Payload: protocol.ApproveJoinPayload{UserID: userID}}); err != nil {
		return err
	}
	m.removeJoinRequest(userID)
	return nil
}

func (m *Machine) RejectJoin(userID, reason string) error {
	if err := m.send(true, protocol.Message{Type: protocol.TypeRejectJoin, Payload: protocol.RejectJoinPayload{UserID: userID, Reason: reason}}); err != nil {
		return err
	}
	m.removeJoinRequest(userID)
	return nil
}

func (m *Machine) KickUser(userID, reason string) error {
	return m.send(true, protocol.Message{Type: protocol.TypeKickUser, Payload: protocol.KickUserPayload{UserID: userID, Reason: reason}})
}

// TransferHost asks the server to promote userID. The local role changes
// only when HOST_CHANGED arrives.
func (m *Machine) TransferHost(userID string) error {
	return m.send(true, protocol.Message{Type: protocol.TypeTransferHost, Payload: protocol.TransferHostPayload{NewHostID: userID}})
}

func (m *Machine) SuggestTrack(track protocol.TrackInfo) error {
	return m.send(false, protocol.Message{Type: protocol.TypeSuggestTrack, Payload: protocol.SuggestTrackPayload{Track: track}})
}

func (m *Machine) ApproveSuggestion(suggestionID string) error {
	if err := m.send(true, protocol.Message{Type: protocol.TypeApproveSuggestion, Payload: protocol.ApproveSuggestionPayload{SuggestionID: suggestionID}}); err != nil {
		return err
	}
	m.removeSuggestion(suggestionID)
	return nil
}

func (m *Machine) RejectSuggestion(suggestionID, reason string) error {
	if err := m.send(true, protocol.Message{Type: protocol.TypeRejectSuggestion, Payload: protocol.RejectSuggestionPayload{SuggestionID: suggestionID, Reason: reason}}); err != nil {
		return err
	}
	m.removeSuggestion(suggestionID)
	return nil
}

// RequestSync asks the server for a full SYNC_STATE.
func (m *Machine) RequestSync() error {
	return m.send(false, protocol.Message{Type: protocol.TypeRequestSync})
}

func (m *Machine) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyChatMessage
	}
	return m.send(false, protocol.Message{Type: protocol.TypeChatMessage, Payload: protocol.ChatSendPayload{Message: text}})
}

// Broadcast sends a host playback action and mirrors it into the local
// room state. The server does not echo relayed actions to their sender, so
// this is the only place room state changes without an inbound message. A
// failed send leaves the state untouched, and guests never take this path.
func (m *Machine) Broadcast(msg protocol.Message) error {
	if err := m.send(true, msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch p := msg.Payload.(type) {
	case protocol.PositionPayload:
		switch msg.Type {
		case protocol.TypePlay:
			m.applyPositionLocked(p.PositionMs, true, true)
		case protocol.TypePause:
			m.applyPositionLocked(p.PositionMs, true, false)
		case protocol.TypeSeek:
			m.applyPositionLocked(p.PositionMs, false, false)
		}
	case protocol.ChangeTrackPayload:
		m.applyChangeTrackLocked(p)
	case protocol.SyncQueuePayload:
		m.state.Queue = append([]protocol.TrackInfo{}, p.Queue...)
		m.queueTitle = p.Title
	}
	return nil
}

// Send writes msg unconditionally. Used for handshake messages that do not
// depend on role.
func (m *Machine) Send(msg protocol.Message) error {
	if !m.conn.Send(msg) {
		return ErrNotConnected
	}
	return nil
}

func (m *Machine) send(hostOnly bool, msg protocol.Message) error {
	role := m.Role()
	if role == RoleNone {
		return ErrNotInRoom
	}
	if hostOnly && role != RoleHost {
		return ErrNotHost
	}
	if !m.conn.Send(msg) {
		return fmt.Errorf("%s: %w", msg.Type, ErrNotConnected)
	}
	return nil
}

func (m *Machine) removeJoinRequest(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pendingJoins[:0]
	for _, r := range m.pendingJoins {
		if r.UserID != userID {
			out = append(out, r)
		}
	}
	m.pendingJoins = out
}

func (m *Machine) removeSuggestion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSuggestionLocked(id)
}

func (m *Machine) removeSuggestionLocked(id string) {
	out := m.suggestions[:0]
	for _, s := range m.suggestions {
		if s.ID != id {
			out = append(out, s)
		}
	}
	m.suggestions = out
}
