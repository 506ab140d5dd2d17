// Package connection owns the single persistent connection to the room
// server: dialing, keep-alive, reconnection with backoff, and resumption of
// the persisted session.
package connection

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"ensemble/internal/protocol"
	"ensemble/internal/session"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrMaxAttempts is reported when reconnection gives up.
var ErrMaxAttempts = errors.New("reconnect attempts exhausted")

// State is the lifecycle state of the connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EventKind classifies connection events.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventReconnecting
	EventReconnected
	EventConnectionError
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventConnectionError:
		return "connection_error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is published on every lifecycle change.
type Event struct {
	Kind        EventKind
	State       State
	Attempt     int
	MaxAttempts int
	Err         error
}

// Config controls dialing and reconnection.
type Config struct {
	URL            string
	PingInterval   time.Duration
	DialTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultConfig returns the stock timings.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		PingInterval:   25 * time.Second,
		DialTimeout:    10 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    10,
	}
}

// Handler receives every inbound message in receipt order.
type Handler func(protocol.Envelope)

type actionKind int

const (
	actionCreate actionKind = iota
	actionJoin
)

// pendingAction is a create or join the server has not answered yet. It is
// replayed on every connect until a session is adopted or the request is
// refused, and keeps a dropped connection retryable meanwhile.
type pendingAction struct {
	kind     actionKind
	roomCode string
	username string
}

func (p *pendingAction) message() protocol.Message {
	if p.kind == actionCreate {
		return protocol.Message{Type: protocol.TypeCreateRoom, Payload: protocol.CreateRoomPayload{Username: p.username}}
	}
	return protocol.Message{Type: protocol.TypeJoinRoom, Payload: protocol.JoinRoomPayload{RoomCode: p.roomCode, Username: p.username}}
}

// Manager owns the connection and the persisted session. Construct one per
// process and pass it to dependents.
type Manager struct {
	cfg      Config
	dialer   Dialer
	store    *session.Store
	backoff  *Backoff
	logger   *logrus.Logger
	clientID string
	now      func() time.Time

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            uint64
	handler        Handler
	session        *session.Session
	pending        *pendingAction
	inRoom         bool
	username       string
	rejoinTriedFor string
	attempt        int
	networkUp      bool
	stopKeepAlive  context.CancelFunc
	reconnectTimer *time.Timer
	closed         bool

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// New creates a manager and loads any resumable session from store.
func New(cfg Config, dialer Dialer, store *session.Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		store:     store,
		backoff:   NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		logger:    logger,
		clientID:  uuid.NewString(),
		now:       time.Now,
		state:     Disconnected,
		networkUp: true,
		subs:      make(map[chan Event]struct{}),
	}

	sess, err := store.Load()
	switch {
	case err == nil:
		m.session = sess
		m.username = sess.Username
		logger.WithFields(logrus.Fields{
			"room_code": sess.RoomCode,
			"is_host":   sess.IsHost,
		}).Info("Loaded resumable session")
	case errors.Is(err, session.ErrNoSession):
	default:
		logger.WithError(err).Warn("Failed to load persisted session")
	}
	return m
}

// SetHandler installs the downstream consumer of inbound messages. Call it
// before Connect.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the live session, or nil.
func (m *Manager) Session() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// InRoom reports whether the manager believes it holds room membership.
func (m *Manager) InRoom() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inRoom
}

// Subscribe returns a channel of connection events. Slow subscribers miss
// events rather than blocking the connection.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	cancel := func() {
		m.subsMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subsMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(evt Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- evt:
		default:
			m.logger.WithField("kind", evt.Kind).Warn("Connection event dropped for slow subscriber")
		}
	}
}

// setStateLocked must be called with mu held.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.WithFields(logrus.Fields{"from": m.state, "to": s}).Info("Connection state changed")
	m.state = s
	m.publish(Event{Kind: EventStateChanged, State: s})
}

// Connect opens the connection unless it is already open or opening.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state == Connected || m.state == Connecting {
		m.mu.Unlock()
		return
	}
	retry := m.state == Reconnecting
	m.stopReconnectLocked()
	m.setStateLocked(Connecting)
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen, retry)
}

func (m *Manager) dial(gen uint64, retry bool) {
	header := http.Header{}
	header.Set("X-Client-ID", m.clientID)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(ctx, m.cfg.URL, header)
	cancel()

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.WithError(err).WithField("url", m.cfg.URL).Warn("Dial failed")
		m.handleLossLocked(err)
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.attempt = 0
	m.setStateLocked(Connected)

	kctx, kcancel := context.WithCancel(context.Background())
	m.stopKeepAlive = kcancel
	go m.keepAlive(kctx)
	go m.readLoop(conn, gen)

	var first *protocol.Message
	switch {
	case m.session != nil:
		first = &protocol.Message{Type: protocol.TypeReconnect, Payload: protocol.ReconnectPayload{SessionToken: m.session.Token}}
	case m.pending != nil:
		msg := m.pending.message()
		first = &msg
	}
	if retry {
		m.publish(Event{Kind: EventReconnected, State: Connected})
	}
	m.mu.Unlock()

	m.logger.WithField("url", m.cfg.URL).Info("Connected")
	if first != nil {
		m.Send(*first)
	}
}

// hasContextLocked reports whether a loss should be retried.
func (m *Manager) hasContextLocked() bool {
	return m.session != nil || m.inRoom || m.pending != nil
}

// handleLossLocked reacts to a dial failure or a dropped connection.
func (m *Manager) handleLossLocked(cause error) {
	m.teardownLocked()

	if !m.hasContextLocked() {
		if errors.Is(cause, ErrConnClosed) {
			m.setStateLocked(Disconnected)
			m.publish(Event{Kind: EventDisconnected, State: Disconnected})
			return
		}
		m.setStateLocked(Error)
		m.publish(Event{Kind: EventConnectionError, State: Error, Err: cause})
		return
	}
	m.scheduleReconnectLocked(cause)
}

func (m *Manager) scheduleReconnectLocked(cause error) {
	if !m.networkUp {
		m.logger.Info("Network unavailable, postponing reconnect")
		m.setStateLocked(Disconnected)
		return
	}

	m.attempt++
	if m.attempt > m.cfg.MaxAttempts {
		m.logger.WithField("attempts", m.cfg.MaxAttempts).Error("Giving up reconnecting")
		m.attempt = 0
		m.dropSessionLocked()
		m.inRoom = false
		m.pending = nil
		m.setStateLocked(Error)
		m.publish(Event{Kind: EventConnectionError, State: Error, Err: ErrMaxAttempts})
		return
	}

	delay := m.backoff.Delay(m.attempt)
	m.setStateLocked(Reconnecting)
	m.publish(Event{Kind: EventReconnecting, State: Reconnecting, Attempt: m.attempt, MaxAttempts: m.cfg.MaxAttempts, Err: cause})
	m.logger.WithFields(logrus.Fields{
		"attempt": m.attempt,
		"max":     m.cfg.MaxAttempts,
		"delay":   delay,
	}).Info("Scheduling reconnect")

	m.gen++
	gen := m.gen
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.dial(gen, true)
	})
}

// teardownLocked stops the keep-alive and closes the socket.
func (m *Manager) teardownLocked() {
	if m.stopKeepAlive != nil {
		m.stopKeepAlive()
		m.stopKeepAlive = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) keepAlive(ctx context.Context) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Send(protocol.Message{Type: protocol.TypePing})
		}
	}
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen == m.gen && m.conn == conn {
				m.logger.WithError(err).Warn("Connection lost")
				m.handleLossLocked(err)
			}
			m.mu.Unlock()
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				m.logger.WithField("type", env.Type).Info("Ignoring unknown message type")
			} else {
				m.logger.WithError(err).Debug("Dropping malformed message")
			}
			continue
		}

		m.mu.Lock()
		stale := gen != m.gen
		handler := m.handler
		m.mu.Unlock()
		if stale {
			return
		}

		if m.intercept(env) {
			continue
		}
		if handler != nil {
			handler(env)
		}
		if env.Type == protocol.TypeKicked {
			m.Disconnect()
		}
	}
}

// intercept applies session bookkeeping for inbound messages. It returns
// true when the message is consumed and must not reach the handler.
func (m *Manager) intercept(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypePong:
		return true

	case protocol.TypeRoomCreated:
		p, err := protocol.DecodePayload[protocol.RoomCreatedPayload](env)
		if err != nil {
			return true
		}
		m.mu.Lock()
		m.adoptSessionLocked(p.SessionToken, p.RoomCode, p.UserID, true)
		m.mu.Unlock()

	case protocol.TypeJoinApproved:
		p, err := protocol.DecodePayload[protocol.JoinApprovedPayload](env)
		if err != nil {
			return true
		}
		m.mu.Lock()
		m.adoptSessionLocked(p.SessionToken, p.RoomCode, p.UserID, p.IsHost)
		m.mu.Unlock()

	case protocol.TypeReconnected:
		p, err := protocol.DecodePayload[protocol.ReconnectedPayload](env)
		if err != nil {
			return true
		}
		m.mu.Lock()
		token := ""
		if m.session != nil {
			token = m.session.Token
		}
		m.adoptSessionLocked(token, p.RoomCode, p.UserID, p.IsHost)
		m.mu.Unlock()

	case protocol.TypeHostChanged:
		p, err := protocol.DecodePayload[protocol.HostChangedPayload](env)
		if err != nil {
			return true
		}
		m.mu.Lock()
		if m.session != nil {
			m.session.IsHost = p.NewHostID == m.session.UserID
			m.saveSessionLocked()
		}
		m.mu.Unlock()

	case protocol.TypeKicked, protocol.TypeJoinRejected:
		m.mu.Lock()
		m.dropSessionLocked()
		m.inRoom = false
		m.pending = nil
		m.mu.Unlock()

	case protocol.TypeError:
		p, err := protocol.DecodePayload[protocol.ErrorPayload](env)
		if err != nil {
			return false
		}
		switch p.Code {
		case protocol.ErrCodeSessionNotFound:
			return m.handleSessionNotFound()
		case protocol.ErrCodeRoomNotFound:
			m.mu.Lock()
			m.pending = nil
			m.mu.Unlock()
		}
	}
	return false
}

// handleSessionNotFound re-joins the cached room once per room for guests.
// Otherwise the session is discarded and the error is surfaced.
func (m *Manager) handleSessionNotFound() bool {
	m.mu.Lock()
	sess := m.session
	username := m.username
	if sess != nil && sess.Username != "" {
		username = sess.Username
	}
	canRejoin := sess != nil && !sess.IsHost && sess.RoomCode != "" && username != "" && m.rejoinTriedFor != sess.RoomCode

	m.dropSessionLocked()
	if !canRejoin {
		m.inRoom = false
		m.pending = nil
		m.mu.Unlock()
		m.logger.Warn("Session not found on server, discarding session")
		return false
	}
	m.rejoinTriedFor = sess.RoomCode
	m.pending = &pendingAction{kind: actionJoin, roomCode: sess.RoomCode, username: username}
	msg := m.pending.message()
	m.mu.Unlock()

	m.logger.WithField("room_code", sess.RoomCode).Info("Session not found, re-joining room")
	m.Send(msg)
	return true
}

func (m *Manager) adoptSessionLocked(token, roomCode, userID string, isHost bool) {
	m.session = &session.Session{
		Token:     token,
		RoomCode:  roomCode,
		UserID:    userID,
		IsHost:    isHost,
		StartedAt: m.now(),
		Username:  m.username,
	}
	m.inRoom = true
	m.pending = nil
	m.rejoinTriedFor = ""
	m.saveSessionLocked()
}

func (m *Manager) saveSessionLocked() {
	if err := m.store.Save(m.session); err != nil {
		m.logger.WithError(err).Warn("Failed to persist session")
	}
}

func (m *Manager) dropSessionLocked() {
	m.session = nil
	if err := m.store.Clear(); err != nil {
		m.logger.WithError(err).Warn("Failed to clear persisted session")
	}
}

// Send encodes and writes msg. It reports false, without retrying, when
// the connection is not up or the write fails.
func (m *Manager) Send(msg protocol.Message) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected && conn != nil
	m.mu.Unlock()

	if !connected {
		m.logger.WithField("type", msg.Type).Debug("Not connected, skipping send")
		return false
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		m.logger.WithError(err).WithField("type", msg.Type).Error("Failed to encode message")
		return false
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.WithError(err).WithField("type", msg.Type).Warn("Write failed, skipping message")
		return false
	}
	return true
}

// CreateRoom asks the server for a new room, connecting first if needed.
func (m *Manager) CreateRoom(username string) {
	m.runAction(&pendingAction{kind: actionCreate, username: username})
}

// JoinRoom requests to join roomCode. Codes are case-insensitive and sent
// upper-case.
func (m *Manager) JoinRoom(roomCode, username string) {
	code := strings.ToUpper(strings.TrimSpace(roomCode))
	m.runAction(&pendingAction{kind: actionJoin, roomCode: code, username: username})
}

func (m *Manager) runAction(action *pendingAction) {
	m.mu.Lock()
	m.username = action.username
	m.rejoinTriedFor = ""
	m.pending = action
	if m.state == Connected {
		m.mu.Unlock()
		m.Send(action.message())
		return
	}
	m.mu.Unlock()
	m.Connect()
}

// LeaveRoom tells the server, discards the session and disconnects.
func (m *Manager) LeaveRoom() {
	m.Send(protocol.Message{Type: protocol.TypeLeaveRoom})

	m.mu.Lock()
	m.dropSessionLocked()
	m.inRoom = false
	m.pending = nil
	m.rejoinTriedFor = ""
	m.mu.Unlock()

	m.Disconnect()
}

// Disconnect closes the connection without discarding the session.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.stopReconnectLocked()
	m.teardownLocked()
	m.attempt = 0
	if m.state != Disconnected {
		m.setStateLocked(Disconnected)
		m.publish(Event{Kind: EventDisconnected, State: Disconnected})
	}
}

// SetNetworkAvailable records transport availability. Reconnection is
// skipped while unavailable and resumes when it returns.
func (m *Manager) SetNetworkAvailable(up bool) {
	m.mu.Lock()
	prev := m.networkUp
	m.networkUp = up
	resume := up && !prev && (m.state == Error || m.state == Disconnected) && m.hasContextLocked()
	if !up && prev && m.state == Reconnecting {
		m.gen++
		m.stopReconnectLocked()
		m.setStateLocked(Disconnected)
	}
	if resume {
		m.attempt = 0
	}
	m.mu.Unlock()

	if resume {
		m.logger.Info("Network available again, reconnecting")
		m.Connect()
	}
}

// Close disconnects and releases subscribers. The manager cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.subsMu.Lock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan Event]struct{})
	m.subsMu.Unlock()
}
