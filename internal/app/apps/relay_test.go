package apps

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"relay/internal/pkg/funcall"
	"relay/internal/pkg/link"
	"relay/internal/pkg/portal"
	"relay/internal/pkg/server"
	"relay/internal/pkg/session"

	"github.com/stretchr/testify/require"
)

// testConn is a client connection stub for driving the portal registry.
type testConn struct {
	mu        sync.Mutex
	addr      string
	delivered []string
	closed    bool
}

func (c *testConn) Address() string { return c.addr }

func (c *testConn) Deliver(text *string, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if text != nil {
		c.delivered = append(c.delivered, *text)
	}
	return nil
}

func (c *testConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// gameServer bundles a server registry with its acceptor, standing in for
// one incarnation of the game server process.
type gameServer struct {
	acceptor *link.Acceptor
	registry *server.Registry
}

func newGameServer(t *testing.T) *gameServer {
	t.Helper()
	var registry *server.Registry
	acceptor, err := link.NewAcceptor(
		link.WithListenAddr("unused"),
		link.WithAcceptorRecv(func(msg link.Message) { registry.HandleMessage(msg) }),
	)
	require.NoError(t, err)
	proc := &loginProcessor{}
	registry, err = server.NewRegistry(
		server.WithLink(acceptor),
		server.WithStore(session.NewMemoryStore()),
		server.WithCommandProcessor(proc),
	)
	require.NoError(t, err)
	proc.registry = registry
	return &gameServer{acceptor: acceptor, registry: registry}
}

func (gs *gameServer) mirror(id uint32) (session.Session, bool) {
	for _, sess := range gs.registry.Sessions() {
		if sess.ID == id {
			return sess, true
		}
	}
	return session.Session{}, false
}

// startPortal builds a portal registry on a dialer fed from the conns
// channel and runs it.
func startPortal(t *testing.T, ctx context.Context, conns chan net.Conn) *portal.Registry {
	t.Helper()
	calls := funcall.NewRegistry()
	var registry *portal.Registry
	dialer, err := link.NewDialer(
		link.WithDialFunc(func(ctx context.Context) (net.Conn, error) {
			select {
			case conn := <-conns:
				return conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
		link.WithRecv(func(msg link.Message) { registry.HandleMessage(msg) }),
		link.WithOnActive(func() { registry.FullSync() }),
		link.WithOnLost(func() { registry.OnLinkLost() }),
	)
	require.NoError(t, err)
	registry, err = portal.NewRegistry(
		portal.WithLink(dialer),
		portal.WithStore(session.NewMemoryStore()),
		portal.WithCalls(calls),
	)
	require.NoError(t, err)
	calls.SetSender(dialer)
	go func() { _ = dialer.Run(ctx) }()
	return registry
}

func TestLoginAndServerRestartResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	registry := startPortal(t, ctx, conns)

	srv := newGameServer(t)
	portalEnd, serverEnd := net.Pipe()
	conns <- portalEnd
	go srv.acceptor.ServeConn(serverEnd)

	// A client connects; the portal announces it and the server creates
	// an anonymous mirror.
	client := &testConn{addr: "10.0.0.1:5000"}
	sess, err := registry.OnClientConnect(client, map[string]any{"color": true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mirror, ok := srv.mirror(sess.ID)
		return ok && mirror.LoginState == session.LoginStateAnonymous
	}, 5*time.Second, 10*time.Millisecond, "server never mirrored the session")

	// The client logs in; the server authenticates and pushes the login
	// back, and the portal marks the session accordingly.
	loginCmd := "connect bob secret"
	registry.DataIn(sess.ID, &loginCmd, nil)
	require.Eventually(t, func() bool {
		for _, held := range registry.Sessions() {
			if held.ID == sess.ID {
				return held.LoginState == session.LoginStateAuthenticated && held.Account == "bob"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "portal never learned about the login")

	// A second client connects, then the server dies.
	bystander := &testConn{addr: "10.0.0.2:5001"}
	sess2, err := registry.OnClientConnect(bystander, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := srv.mirror(sess2.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_ = serverEnd.Close()
	_ = portalEnd.Close()

	// While the link is down the bystander disconnects; the notification
	// cannot be delivered and the coming full sync must reconcile it.
	registry.OnClientDisconnect(sess2.ID)

	// The server comes back as a fresh process with an empty mirror set.
	srv2 := newGameServer(t)
	portalEnd2, serverEnd2 := net.Pipe()
	conns <- portalEnd2
	go srv2.acceptor.ServeConn(serverEnd2)

	// The portal's full sync rebuilds the authenticated mirror without
	// the client re-logging in, and the departed session is absent.
	require.Eventually(t, func() bool {
		mirror, ok := srv2.mirror(sess.ID)
		return ok && mirror.LoginState == session.LoginStateAuthenticated && mirror.Account == "bob"
	}, 5*time.Second, 10*time.Millisecond, "resync never rebuilt the authenticated mirror")
	_, gone := srv2.mirror(sess2.ID)
	require.False(t, gone, "departed session leaked into the new server")
	require.Len(t, srv2.registry.Sessions(), 1)

	// The surviving client was told about the outage and the recovery.
	client.mu.Lock()
	defer client.mu.Unlock()
	require.NotEmpty(t, client.delivered)
}

func TestServerOutputReachesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	registry := startPortal(t, ctx, conns)

	srv := newGameServer(t)
	portalEnd, serverEnd := net.Pipe()
	conns <- portalEnd
	go srv.acceptor.ServeConn(serverEnd)

	client := &testConn{addr: "10.0.0.1:5000"}
	sess, err := registry.OnClientConnect(client, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := srv.mirror(sess.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// Anything that is not a login command is echoed back by the demo
	// processor, exercising the full output path.
	say := "hello world"
	registry.DataIn(sess.ID, &say, nil)
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		for _, line := range client.delivered {
			if line == "You say: hello world" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "echo never reached the client")
}
