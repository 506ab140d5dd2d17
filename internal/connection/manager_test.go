package connection

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"ensemble/internal/protocol"
	"ensemble/internal/session"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	err     error
	written []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.drop(ErrConnClosed)
	return nil
}

func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.written...)
}

func (c *fakeConn) count(mt protocol.MessageType) int {
	n := 0
	for _, env := range c.sent() {
		if env.Type == mt {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	conns chan *fakeConn
	dials int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func testConfig() Config {
	return Config{
		URL:            "ws://test",
		DialTimeout:    time.Second,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recorder) handle(env protocol.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Type)
	}
	return out
}

func newTestManager(t *testing.T, kv session.KV) (*Manager, *fakeDialer, *session.Store, *recorder) {
	t.Helper()
	if kv == nil {
		kv = session.NewMemoryKV()
	}
	store := session.NewStore(kv, time.Hour)
	dialer := newFakeDialer()
	m := New(testConfig(), dialer, store, testLogger())
	rec := &recorder{}
	m.SetHandler(rec.handle)
	t.Cleanup(m.Close)
	return m, dialer, store, rec
}

func waitFor(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
			return Event{}
		}
	}
}

func saveGuestSession(t *testing.T, kv session.KV) {
	t.Helper()
	store := session.NewStore(kv, time.Hour)
	require.NoError(t, store.Save(&session.Session{
		Token:     "tok-1",
		RoomCode:  "AB12",
		UserID:    "u2",
		IsHost:    false,
		StartedAt: time.Now(),
		Username:  "Alice",
	}))
}

func TestPendingActionRunsOnceAfterConnect(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, nil)

	m.CreateRoom("Alice")
	conn := dialer.next(t)

	require.Eventually(t, func() bool { return conn.count(protocol.TypeCreateRoom) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, m.State())

	m.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.count(protocol.TypeCreateRoom))
}

func TestRoomCreatedPersistsSession(t *testing.T) {
	m, dialer, store, rec := newTestManager(t, nil)

	m.CreateRoom("Alice")
	conn := dialer.next(t)
	conn.push(t, protocol.Message{Type: protocol.TypeRoomCreated, Payload: protocol.RoomCreatedPayload{
		RoomCode: "AB12", UserID: "u1", SessionToken: "tok-1",
	}})

	require.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)

	sess, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", sess.Token)
	assert.Equal(t, "AB12", sess.RoomCode)
	assert.True(t, sess.IsHost)
	assert.Equal(t, "Alice", sess.Username)
	assert.True(t, m.InRoom())
}

func TestResumeSendsReconnectFirst(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, _, _ := newTestManager(t, kv)

	m.Connect()
	conn := dialer.next(t)

	require.Eventually(t, func() bool { return len(conn.sent()) > 0 }, time.Second, 5*time.Millisecond)
	first := conn.sent()[0]
	assert.Equal(t, protocol.TypeReconnect, first.Type)
	p, err := protocol.DecodePayload[protocol.ReconnectPayload](first)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", p.SessionToken)
}

func TestSessionNotFoundRejoinsOnce(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, store, rec := newTestManager(t, kv)

	m.Connect()
	conn := dialer.next(t)
	require.Eventually(t, func() bool { return conn.count(protocol.TypeReconnect) == 1 }, time.Second, 5*time.Millisecond)

	notFound := protocol.Message{Type: protocol.TypeError, Payload: protocol.ErrorPayload{Code: protocol.ErrCodeSessionNotFound, Message: "gone"}}
	conn.push(t, notFound)

	require.Eventually(t, func() bool { return conn.count(protocol.TypeJoinRoom) == 1 }, time.Second, 5*time.Millisecond)
	var join protocol.Envelope
	for _, env := range conn.sent() {
		if env.Type == protocol.TypeJoinRoom {
			join = env
		}
	}
	p, err := protocol.DecodePayload[protocol.JoinRoomPayload](join)
	require.NoError(t, err)
	assert.Equal(t, "AB12", p.RoomCode)
	assert.Equal(t, "Alice", p.Username)
	assert.Empty(t, rec.types())

	_, err = store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)

	conn.push(t, notFound)
	require.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.TypeError, rec.types()[0])
	assert.Equal(t, 1, conn.count(protocol.TypeJoinRoom))
	assert.Nil(t, m.Session())
}

func TestDropWithSessionReconnects(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, _, _ := newTestManager(t, kv)
	events, cancel := m.Subscribe()
	defer cancel()

	m.Connect()
	first := dialer.next(t)
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 5*time.Millisecond)

	first.drop(io.ErrUnexpectedEOF)

	evt := waitFor(t, events, EventReconnecting)
	assert.Equal(t, 1, evt.Attempt)
	assert.Equal(t, 3, evt.MaxAttempts)

	second := dialer.next(t)
	waitFor(t, events, EventReconnected)
	require.Eventually(t, func() bool { return second.count(protocol.TypeReconnect) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, m.State())
}

func TestDropWithoutContextIsTerminal(t *testing.T) {
	t.Run("CleanClose", func(t *testing.T) {
		m, dialer, _, _ := newTestManager(t, nil)
		events, cancel := m.Subscribe()
		defer cancel()

		m.Connect()
		conn := dialer.next(t)
		require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 5*time.Millisecond)

		conn.drop(ErrConnClosed)
		waitFor(t, events, EventDisconnected)
		assert.Equal(t, Disconnected, m.State())
	})

	t.Run("Failure", func(t *testing.T) {
		m, dialer, _, _ := newTestManager(t, nil)
		events, cancel := m.Subscribe()
		defer cancel()

		m.Connect()
		conn := dialer.next(t)
		require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 5*time.Millisecond)

		conn.drop(io.ErrUnexpectedEOF)
		evt := waitFor(t, events, EventConnectionError)
		assert.ErrorIs(t, evt.Err, io.ErrUnexpectedEOF)
		assert.Equal(t, Error, m.State())
	})
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, store, _ := newTestManager(t, kv)
	events, cancel := m.Subscribe()
	defer cancel()

	dialer.setFail(true)
	m.Connect()

	evt := waitFor(t, events, EventConnectionError)
	assert.ErrorIs(t, evt.Err, ErrMaxAttempts)
	assert.Equal(t, Error, m.State())

	dialer.mu.Lock()
	dials := dialer.dials
	dialer.mu.Unlock()
	assert.Equal(t, 4, dials)

	_, err := store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestNetworkAvailability(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, _, _ := newTestManager(t, kv)
	events, cancel := m.Subscribe()
	defer cancel()

	m.SetNetworkAvailable(false)
	dialer.setFail(true)
	m.Connect()

	require.Eventually(t, func() bool { return m.State() == Disconnected }, time.Second, 5*time.Millisecond)
	select {
	case evt := <-events:
		if evt.Kind == EventReconnecting {
			t.Fatal("reconnect scheduled while network unavailable")
		}
	default:
	}

	dialer.setFail(false)
	m.SetNetworkAvailable(true)
	conn := dialer.next(t)
	require.Eventually(t, func() bool { return conn.count(protocol.TypeReconnect) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, m.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)
	assert.False(t, m.Send(protocol.Message{Type: protocol.TypePlay, Payload: protocol.PositionPayload{PositionMs: 1}}))
}

func TestInboundOrderingAndFiltering(t *testing.T) {
	m, dialer, _, rec := newTestManager(t, nil)

	m.Connect()
	conn := dialer.next(t)

	conn.push(t, protocol.Message{Type: protocol.TypeUserJoined, Payload: protocol.UserPayload{UserID: "u2", Username: "Bob"}})
	conn.in <- []byte(`{not json`)
	conn.in <- []byte(`{"type":"FUTURE_THING","payload":{}}`)
	conn.push(t, protocol.Message{Type: protocol.TypePong})
	conn.push(t, protocol.Message{Type: protocol.TypePlay, Payload: protocol.PositionPayload{PositionMs: 10}})
	conn.push(t, protocol.Message{Type: protocol.TypePause, Payload: protocol.PositionPayload{PositionMs: 20}})

	require.Eventually(t, func() bool { return len(rec.types()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.TypeUserJoined, protocol.TypePlay, protocol.TypePause}, rec.types())
	assert.Equal(t, Connected, m.State())
}

func TestJoinRoomUppercasesCode(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, nil)

	m.JoinRoom("  ab12 ", "Bob")
	conn := dialer.next(t)
	require.Eventually(t, func() bool { return conn.count(protocol.TypeJoinRoom) == 1 }, time.Second, 5*time.Millisecond)

	p, err := protocol.DecodePayload[protocol.JoinRoomPayload](conn.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, "AB12", p.RoomCode)
	assert.Equal(t, "Bob", p.Username)
}

func TestKickedClearsSessionAndDisconnects(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, store, rec := newTestManager(t, kv)

	m.Connect()
	conn := dialer.next(t)
	conn.push(t, protocol.Message{Type: protocol.TypeKicked, Payload: protocol.KickedPayload{Reason: "bye"}})

	require.Eventually(t, func() bool { return m.State() == Disconnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.TypeKicked}, rec.types())
	_, err := store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestLeaveRoomClearsEverything(t *testing.T) {
	m, dialer, store, _ := newTestManager(t, nil)

	m.CreateRoom("Alice")
	conn := dialer.next(t)
	conn.push(t, protocol.Message{Type: protocol.TypeRoomCreated, Payload: protocol.RoomCreatedPayload{
		RoomCode: "AB12", UserID: "u1", SessionToken: "tok",
	}})
	require.Eventually(t, m.InRoom, time.Second, 5*time.Millisecond)

	m.LeaveRoom()

	assert.Equal(t, 1, conn.count(protocol.TypeLeaveRoom))
	assert.Equal(t, Disconnected, m.State())
	assert.False(t, m.InRoom())
	_, err := store.Load()
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestRejoinSurvivesDropBeforeAnswer(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, store, _ := newTestManager(t, kv)
	events, cancel := m.Subscribe()
	defer cancel()

	m.Connect()
	first := dialer.next(t)
	require.Eventually(t, func() bool { return first.count(protocol.TypeReconnect) == 1 }, time.Second, 5*time.Millisecond)

	first.push(t, protocol.Message{Type: protocol.TypeError, Payload: protocol.ErrorPayload{Code: protocol.ErrCodeSessionNotFound, Message: "gone"}})
	require.Eventually(t, func() bool { return first.count(protocol.TypeJoinRoom) == 1 }, time.Second, 5*time.Millisecond)

	first.drop(io.ErrUnexpectedEOF)
	waitFor(t, events, EventReconnecting)

	second := dialer.next(t)
	require.Eventually(t, func() bool { return second.count(protocol.TypeJoinRoom) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, second.count(protocol.TypeReconnect))
	p, err := protocol.DecodePayload[protocol.JoinRoomPayload](second.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, "AB12", p.RoomCode)
	assert.Equal(t, "Alice", p.Username)

	second.push(t, protocol.Message{Type: protocol.TypeJoinApproved, Payload: protocol.JoinApprovedPayload{
		RoomCode: "AB12", UserID: "u9", SessionToken: "tok-2",
	}})
	require.Eventually(t, m.InRoom, time.Second, 5*time.Millisecond)

	sess, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", sess.Token)
	assert.Equal(t, "Alice", sess.Username)

	second.drop(io.ErrUnexpectedEOF)
	third := dialer.next(t)
	require.Eventually(t, func() bool { return len(third.sent()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.TypeReconnect, third.sent()[0].Type)
	assert.Equal(t, 0, third.count(protocol.TypeJoinRoom))
}

func TestUnansweredCreateIsReplayedAfterDrop(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, nil)
	events, cancel := m.Subscribe()
	defer cancel()

	m.CreateRoom("Alice")
	first := dialer.next(t)
	require.Eventually(t, func() bool { return first.count(protocol.TypeCreateRoom) == 1 }, time.Second, 5*time.Millisecond)

	first.drop(io.ErrUnexpectedEOF)
	waitFor(t, events, EventReconnecting)

	second := dialer.next(t)
	require.Eventually(t, func() bool { return second.count(protocol.TypeCreateRoom) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRefusedJoinIsNotRetried(t *testing.T) {
	tests := []struct {
		name  string
		reply protocol.Message
	}{
		{"RoomNotFound", protocol.Message{Type: protocol.TypeError, Payload: protocol.ErrorPayload{Code: protocol.ErrCodeRoomNotFound, Message: "no room"}}},
		{"Rejected", protocol.Message{Type: protocol.TypeJoinRejected, Payload: protocol.JoinRejectedPayload{Reason: "full"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, dialer, _, rec := newTestManager(t, nil)
			events, cancel := m.Subscribe()
			defer cancel()

			m.JoinRoom("AB12", "Bob")
			conn := dialer.next(t)
			require.Eventually(t, func() bool { return conn.count(protocol.TypeJoinRoom) == 1 }, time.Second, 5*time.Millisecond)

			conn.push(t, tt.reply)
			require.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)

			conn.drop(io.ErrUnexpectedEOF)
			waitFor(t, events, EventConnectionError)
			assert.Equal(t, Error, m.State())
		})
	}
}

func TestCloseKeepsPersistedSession(t *testing.T) {
	kv := session.NewMemoryKV()
	saveGuestSession(t, kv)
	m, dialer, store, _ := newTestManager(t, kv)

	m.Connect()
	conn := dialer.next(t)
	require.Eventually(t, func() bool { return conn.count(protocol.TypeReconnect) == 1 }, time.Second, 5*time.Millisecond)

	m.Close()

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 0, conn.count(protocol.TypeLeaveRoom))
	sess, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", sess.Token)
	assert.Equal(t, "Alice", sess.Username)
}
