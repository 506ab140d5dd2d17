package session

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Fixed storage keys for the persisted session fields.
const (
	KeyToken     = "session_token"
	KeyRoomCode  = "room_code"
	KeyUserID    = "user_id"
	KeyIsHost    = "is_host"
	KeyStartedAt = "started_at"
	KeyUsername  = "username"
)

var allKeys = []string{KeyToken, KeyRoomCode, KeyUserID, KeyIsHost, KeyStartedAt, KeyUsername}

// ErrNoSession is returned by Load when nothing usable is persisted.
var ErrNoSession = errors.New("no persisted session")

// DefaultGrace is how long a persisted session stays resumable.
const DefaultGrace = 10 * time.Minute

// Session is the resumable room membership issued by the server.
type Session struct {
	Token     string    `json:"-"`
	RoomCode  string    `json:"roomCode"`
	UserID    string    `json:"userId"`
	IsHost    bool      `json:"isHost"`
	StartedAt time.Time `json:"startedAt"`
	Username  string    `json:"username"`
}

// Stale reports whether the session is older than the grace window.
func (s *Session) Stale(now time.Time, grace time.Duration) bool {
	return s.StartedAt.IsZero() || now.Sub(s.StartedAt) > grace
}

// KV is the persistent key-value storage used for sessions.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(keys ...string) error
}

// Store reads and writes a Session through a KV.
type Store struct {
	kv    KV
	grace time.Duration
	now   func() time.Time
}

// NewStore creates a session store. A zero grace uses DefaultGrace.
func NewStore(kv KV, grace time.Duration) *Store {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Store{kv: kv, grace: grace, now: time.Now}
}

// Load returns the persisted session. A stale or incomplete session is
// cleared and reported as ErrNoSession.
func (s *Store) Load() (*Session, error) {
	vals := make(map[string]string, len(allKeys))
	for _, k := range allKeys {
		v, ok, err := s.kv.Get(k)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", k, err)
		}
		if ok {
			vals[k] = v
		}
	}

	if vals[KeyToken] == "" || vals[KeyRoomCode] == "" {
		return nil, ErrNoSession
	}

	startedMs, err := strconv.ParseInt(vals[KeyStartedAt], 10, 64)
	if err != nil {
		_ = s.Clear()
		return nil, ErrNoSession
	}

	sess := &Session{
		Token:     vals[KeyToken],
		RoomCode:  vals[KeyRoomCode],
		UserID:    vals[KeyUserID],
		IsHost:    vals[KeyIsHost] == "true",
		StartedAt: time.UnixMilli(startedMs),
		Username:  vals[KeyUsername],
	}

	if sess.Stale(s.now(), s.grace) {
		if err := s.Clear(); err != nil {
			return nil, err
		}
		return nil, ErrNoSession
	}
	return sess, nil
}

// Save persists every field of sess.
func (s *Store) Save(sess *Session) error {
	if sess == nil {
		return s.Clear()
	}
	fields := map[string]string{
		KeyToken:     sess.Token,
		KeyRoomCode:  sess.RoomCode,
		KeyUserID:    sess.UserID,
		KeyIsHost:    strconv.FormatBool(sess.IsHost),
		KeyStartedAt: strconv.FormatInt(sess.StartedAt.UnixMilli(), 10),
		KeyUsername:  sess.Username,
	}
	for _, k := range allKeys {
		if err := s.kv.Set(k, fields[k]); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	return nil
}

// Clear removes every persisted session field.
func (s *Store) Clear() error {
	return s.kv.Remove(allKeys...)
}

// MemoryKV is an in-process KV, used when no database is configured.
type MemoryKV struct {
	mutex sync.RWMutex
	items map[string]string
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryKV) Remove(keys ...string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}
