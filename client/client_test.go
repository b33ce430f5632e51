package client

import (
	"context"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roomlab/domain"
	"roomlab/engine"
	errs "roomlab/errors"
	"roomlab/infrastructure/ws"
	"roomlab/services"
)

func startTestServer(t *testing.T) *httptest.Server {
	return startTestServerOn(t, nil)
}

// startTestServerOn accepts an explicit listener so a test can kill the
// port independently of the live connections.
func startTestServerOn(t *testing.T, ln net.Listener) *httptest.Server {
	t.Helper()
	log := slog.Default()

	registry := engine.NewRegistry(log, engine.NewSupervisor(log), engine.SessionConfig{}, time.Minute, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	registry.Start(ctx)

	service := services.NewCollabService(registry, services.AllowAllProjects)
	gateway := ws.NewGateway(log, service, nil, ws.GatewayConfig{})

	var server *httptest.Server
	if ln != nil {
		server = httptest.NewUnstartedServer(gateway)
		server.Listener = ln
		server.Start()
	} else {
		server = httptest.NewServer(gateway)
	}
	t.Cleanup(func() {
		server.Close()
		registry.Close()
		cancel()
	})
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// connTrackingListener records accepted connections so a test can sever
// them explicitly: httptest stops tracking hijacked (websocket)
// connections, so server.CloseClientConnections() never reaches them.
type connTrackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *connTrackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, conn)
		l.mu.Unlock()
	}
	return conn, err
}

func (l *connTrackingListener) CloseConns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
}

func TestClient_ConnectsAndSuppressesOwnEcho(t *testing.T) {
	req := require.New(t)
	server := startTestServer(t)

	c := New(Config{
		URL:      wsURL(server),
		Project:  "apartment_7",
		UserID:   "alice",
		Username: "Alice",
	}, slog.Default(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	req.Eventually(c.Connected, 2*time.Second, 10*time.Millisecond)

	// An optimistic add lands locally at once
	req.NoError(c.AddFurniture(domain.FurnitureItem{ElementID: "lamp_9", Kind: "lamp", X: 1, Y: 2}))
	req.Len(c.Reconciler().Layout(), 1)
	req.Equal(1, c.Reconciler().PendingEchoes())

	// The broadcast echo consumes the tag without reapplying
	req.Eventually(func() bool {
		return c.Reconciler().PendingEchoes() == 0 && c.Reconciler().LastSequence() == 1
	}, 2*time.Second, 10*time.Millisecond)
	req.Len(c.Reconciler().Layout(), 1)

	c.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		req.Fail("Run should return after Close")
	}
}

func TestClient_TwoClientsConverge(t *testing.T) {
	req := require.New(t)
	server := startTestServer(t)

	newClient := func(userID, username string) *Client {
		c := New(Config{
			URL: wsURL(server), Project: "apartment_7", UserID: userID, Username: username,
		}, slog.Default(), nil)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(func() { c.Close(); cancel() })
		go func() { _ = c.Run(ctx) }()
		req.Eventually(c.Connected, 2*time.Second, 10*time.Millisecond)
		return c
	}

	alice := newClient("alice", "Alice")
	bob := newClient("bob", "Bob")

	req.NoError(alice.AddFurniture(domain.FurnitureItem{ElementID: "sofa_1", Kind: "sofa", X: 0, Y: 0}))
	req.NoError(alice.SendChat("placed the sofa"))

	// Bob's view converges to Alice's edit and the ordered chat
	req.Eventually(func() bool {
		layout := bob.Reconciler().Layout()
		_, ok := layout["sofa_1"]
		return ok && len(bob.Reconciler().Chat()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	chat := bob.Reconciler().Chat()
	req.Equal("placed the sofa", chat[0].Text)
	req.Greater(chat[0].SequenceNumber, uint64(0))
}

func TestClient_ReconnectBudgetIsBounded(t *testing.T) {
	req := require.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	tracked := &connTrackingListener{Listener: ln}
	server := startTestServerOn(t, tracked)

	c := New(Config{
		URL:                  wsURL(server),
		Project:              "apartment_7",
		UserID:               "alice",
		Username:             "Alice",
		MaxReconnectAttempts: 3,
		InitialBackoff:       10 * time.Millisecond,
		MaxBackoff:           20 * time.Millisecond,
	}, slog.Default(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	req.Eventually(c.Connected, 2*time.Second, 10*time.Millisecond)

	// The server goes away for good. The listener dies first so every
	// redial hits a dead port; only then is the live connection dropped.
	req.NoError(ln.Close())
	tracked.CloseConns()

	// The client stops after its attempt budget instead of retrying forever
	select {
	case err := <-done:
		req.ErrorIs(err, errs.ErrReconnectExhausted)
	case <-time.After(5 * time.Second):
		req.Fail("Run should give up after the reconnect budget")
	}

	req.False(c.Connected())
	req.Equal(3, c.ReconnectAttempts())
	req.Error(c.LastError())
}

func TestClient_DialFailureSurfacesError(t *testing.T) {
	req := require.New(t)

	c := New(Config{
		URL: "ws://127.0.0.1:1/ws", Project: "apartment_7", UserID: "alice", Username: "Alice",
	}, slog.Default(), nil)

	err := c.Run(context.Background())
	req.Error(err)
	req.Error(c.LastError())
	req.False(c.Connected())
}
