package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrReadTimeout is returned by Read when no frame arrived before the deadline.
	ErrReadTimeout = errors.New("read deadline exceeded")
	// ErrPeerClosed is returned by Read once the client closed the connection.
	ErrPeerClosed = errors.New("peer closed connection")
)

// Transport is a bidirectional frame channel to one client.
type Transport interface {
	Read() ([]byte, error)
	Write(data []byte) error
	SetReadDeadline(t time.Time) error
	Ping() error
	Close(code int, reason string) error
}

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024
)

type wsTransport struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport adapts a gorilla connection. Pongs extend the read
// deadline by heartbeat.
func NewWebSocketTransport(conn *websocket.Conn, heartbeat time.Duration) Transport {
	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(heartbeat))
	})
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				return nil, ErrReadTimeout
			case websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			):
				return nil, ErrPeerClosed
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write is only called from the session writer goroutine.
func (t *wsTransport) Write(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
