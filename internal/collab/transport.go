// Package collab keeps the live collaboration connection up.
//
// Transport is a websocket client with ping/pong liveness detection.
// Supervisor binds it to a reconnect.Controller so a dropped connection is
// retried with backoff and the agent hears about recovery.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"xccmsync/internal/logging"
)

// ErrNotConnected is returned by Send when no connection is live.
var ErrNotConnected = errors.New("collab: not connected")

// Message is one frame on the collaboration channel.
type Message struct {
	Type    string          `json:"type"`
	DocID   string          `json:"docId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	URL    string
	Header http.Header

	HandshakeTimeout time.Duration
	// PingInterval is how often a ping is sent. A connection that stays
	// silent for two intervals is considered dropped.
	PingInterval time.Duration
	WriteTimeout time.Duration

	Logger *logging.Logger
}

// Transport is safe for concurrent use.
type Transport struct {
	cfg    TransportConfig
	dialer *websocket.Dialer
	logger *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	onDrop    func(error)
	onMessage func(Message)

	writeMu sync.Mutex
	live    atomic.Bool
}

// NewTransport creates a disconnected Transport.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: cfg.Logger.WithComponent("collab"),
	}
}

// OnDrop sets the callback for connections lost without Disconnect.
func (t *Transport) OnDrop(fn func(error)) {
	t.mu.Lock()
	t.onDrop = fn
	t.mu.Unlock()
}

// OnMessage sets the callback for inbound messages.
func (t *Transport) OnMessage(fn func(Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// IsLive reports whether a connection is up.
func (t *Transport) IsLive() bool { return t.live.Load() }

// Connect dials the server. ctx bounds the handshake only. Connecting
// while live is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	if t.IsLive() {
		return nil
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", t.cfg.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	if t.conn != nil {
		// Lost a race with another Connect.
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	done := make(chan struct{})
	t.conn = conn
	t.done = done
	t.live.Store(true)
	t.mu.Unlock()

	wait := 2 * t.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	go t.readLoop(conn)
	go t.pingLoop(conn, done)
	t.logger.Info("collaboration connected", "url", t.cfg.URL)
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.drop(conn, err)
			return
		}
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.drop(conn, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// drop tears down conn if it is still current and reports the loss.
func (t *Transport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	close(t.done)
	t.live.Store(false)
	fn := t.onDrop
	t.mu.Unlock()

	conn.Close()
	t.logger.Warn("collaboration connection dropped", "error", cause)
	if fn != nil {
		fn(cause)
	}
}

// Disconnect closes the connection without firing OnDrop.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	close(t.done)
	t.live.Store(false)
	t.mu.Unlock()

	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.cfg.WriteTimeout))
	t.writeMu.Unlock()
	conn.Close()
	t.logger.Info("collaboration disconnected")
}

// Send writes msg as JSON.
func (t *Transport) Send(msg Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}
