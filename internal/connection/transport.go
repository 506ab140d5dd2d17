package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Conn.ReadMessage when the peer closed the
// connection cleanly.
var ErrConnClosed = errors.New("connection closed")

// Conn is a message-oriented persistent connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials gorilla websocket connections.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// NewWebsocketDialer returns a dialer with the given handshake and write
// timeouts.
func NewWebsocketDialer(handshakeTimeout, writeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		WriteTimeout: writeTimeout,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	socket, resp, err := d.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &websocketConn{socket: socket, writeTimeout: d.WriteTimeout}, nil
}

type websocketConn struct {
	socket       *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (wc *websocketConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := wc.socket.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (wc *websocketConn) WriteMessage(data []byte) error {
	if wc.writeTimeout > 0 {
		wc.socket.SetWriteDeadline(time.Now().Add(wc.writeTimeout))
	}
	return wc.socket.WriteMessage(websocket.TextMessage, data)
}

func (wc *websocketConn) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		wc.socket.SetWriteDeadline(time.Now().Add(time.Second))
		wc.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = wc.socket.Close()
	})
	return err
}
