package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xccmsync/internal/reconnect"
)

// wsServer echoes messages and can drop or refuse connections.
type wsServer struct {
	*httptest.Server
	refuse atomic.Bool
	accept atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accept.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

// dropAll closes every server-side connection abruptly.
func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func fastReconnect(retries int) reconnect.Options {
	return reconnect.Options{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxRetries:   retries,
		Rand:         func() float64 { return 0 },
	}
}

func TestTransportSendReceive(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(TransportConfig{URL: srv.url()})

	got := make(chan Message, 1)
	tr.OnMessage(func(m Message) { got <- m })

	require.ErrorIs(t, tr.Send(Message{Type: "hello"}), ErrNotConnected)
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.IsLive())
	require.NoError(t, tr.Connect(context.Background()), "connect while live is a no-op")

	require.NoError(t, tr.Send(Message{Type: "cursor", DocID: "notion-n1"}))
	select {
	case m := <-got:
		assert.Equal(t, "cursor", m.Type)
		assert.Equal(t, "notion-n1", m.DocID)
	case <-time.After(time.Second):
		t.Fatal("no echo")
	}

	tr.Disconnect()
	assert.False(t, tr.IsLive())
	assert.Equal(t, int32(1), srv.accept.Load())
}

func TestTransportReportsDrop(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(TransportConfig{URL: srv.url()})
	dropped := make(chan error, 1)
	tr.OnDrop(func(err error) { dropped <- err })

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.accept.Load() == 1 }, time.Second, time.Millisecond)
	srv.dropAll()

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("drop not reported")
	}
	assert.False(t, tr.IsLive())
}

func TestTransportDisconnectIsSilent(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(TransportConfig{URL: srv.url()})
	var drops atomic.Int32
	tr.OnDrop(func(error) { drops.Add(1) })

	require.NoError(t, tr.Connect(context.Background()))
	tr.Disconnect()
	tr.Disconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, drops.Load())
}

func TestTransportDialRefused(t *testing.T) {
	srv := newWSServer(t)
	srv.refuse.Store(true)
	tr := NewTransport(TransportConfig{URL: srv.url()})
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSupervisorRecoversAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	recovered := make(chan struct{}, 1)
	sup := NewSupervisor(NewTransport(TransportConfig{URL: srv.url()}), SupervisorOptions{
		Reconnect:   fastReconnect(5),
		OnRecovered: func() { recovered <- struct{}{} },
	})
	t.Cleanup(sup.Stop)

	sup.Start(context.Background())
	require.True(t, sup.Transport().IsLive())
	require.Eventually(t, func() bool { return srv.accept.Load() == 1 }, time.Second, time.Millisecond)

	srv.dropAll()
	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("not recovered")
	}
	assert.True(t, sup.Transport().IsLive())
	assert.False(t, sup.Failed())
	assert.False(t, sup.Controller().State().IsReconnecting)
	assert.Equal(t, int32(2), srv.accept.Load())
}

func TestSupervisorGivesUpAndManualReconnect(t *testing.T) {
	srv := newWSServer(t)
	srv.refuse.Store(true)

	failed := make(chan error, 2)
	recovered := make(chan struct{}, 1)
	sup := NewSupervisor(NewTransport(TransportConfig{URL: srv.url()}), SupervisorOptions{
		Reconnect:   fastReconnect(3),
		OnFailed:    func(err error) { failed <- err },
		OnRecovered: func() { recovered <- struct{}{} },
	})
	t.Cleanup(sup.Stop)

	sup.Start(context.Background())
	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, reconnect.ErrReconnectExhausted))
	case <-time.After(2 * time.Second):
		t.Fatal("controller never gave up")
	}
	assert.True(t, sup.Failed())
	assert.Error(t, sup.LastError())
	assert.Empty(t, failed, "OnFailed fires once")

	srv.refuse.Store(false)
	sup.ManualReconnect(context.Background())
	assert.False(t, sup.Failed())
	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("manual reconnect did not recover")
	}
	assert.True(t, sup.Transport().IsLive())
}

func TestSupervisorStopPreventsReconnect(t *testing.T) {
	srv := newWSServer(t)
	sup := NewSupervisor(NewTransport(TransportConfig{URL: srv.url()}), SupervisorOptions{
		Reconnect: fastReconnect(5),
	})
	sup.Start(context.Background())
	require.Eventually(t, func() bool { return srv.accept.Load() == 1 }, time.Second, time.Millisecond)

	sup.Stop()
	srv.dropAll()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, sup.Transport().IsLive())
	assert.Equal(t, int32(1), srv.accept.Load())
}
