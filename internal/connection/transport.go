package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is an open push connection.
type Conn interface {
	// ReadMessage blocks until the next data frame arrives or the connection fails.
	ReadMessage() ([]byte, error)
	// Ping sends a keepalive; it is called from a goroutine other than the reader.
	Ping(deadline time.Time) error
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer dials WebSocket servers with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	// ReadWait is how long the connection may stay silent (no frames, no
	// pongs) before ReadMessage fails. 0 disables the deadline.
	ReadWait time.Duration
	// ReadLimit caps one inbound frame. 0 means 1 MiB.
	ReadLimit int64
}

func (d WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	wc := &wsConn{c: c, readWait: d.ReadWait}
	wc.extend()
	c.SetPongHandler(func(string) error {
		wc.extend()
		return nil
	})
	return wc, nil
}

type wsConn struct {
	c        *websocket.Conn
	readWait time.Duration

	// gorilla allows one concurrent writer; Ping and Close may race.
	wmu sync.Mutex
}

func (w *wsConn) extend() {
	if w.readWait > 0 {
		_ = w.c.SetReadDeadline(time.Now().Add(w.readWait))
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, b, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		w.extend()
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (w *wsConn) Ping(deadline time.Time) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, deadline)
}

func (w *wsConn) Close() error {
	w.wmu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.c.Close()
}
