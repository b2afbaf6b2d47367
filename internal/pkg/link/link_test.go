package link

import (
	"context"
	"net"
	"testing"
	"time"

	"relay/internal/pkg/wire"

	"github.com/stretchr/testify/require"
)

// pipeDialer returns a dial func that hands out connections pushed into
// the channel, standing in for the server coming and going.
func pipeDialer(conns chan net.Conn) func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		select {
		case conn := <-conns:
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestLinkExchangeAndReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	portalRecv := make(chan Message, 16)
	serverRecv := make(chan Message, 16)
	active := make(chan struct{}, 4)
	lost := make(chan struct{}, 4)

	d, err := NewDialer(
		WithDialFunc(pipeDialer(conns)),
		WithRecv(func(m Message) { portalRecv <- m }),
		WithOnActive(func() { active <- struct{}{} }),
		WithOnLost(func() { lost <- struct{}{} }),
	)
	require.NoError(t, err)

	a, err := NewAcceptor(
		WithListenAddr("unused"),
		WithAcceptorRecv(func(m Message) { serverRecv <- m }),
	)
	require.NoError(t, err)

	// Send before any connection fails fast.
	require.ErrorIs(t, d.Send(wire.CmdMsgPortal2Server, 1, nil), ErrLinkUnavailable)

	go func() { _ = d.Run(ctx) }()

	portalEnd, serverEnd := net.Pipe()
	conns <- portalEnd
	go a.ServeConn(serverEnd)

	select {
	case <-active:
	case <-time.After(5 * time.Second):
		t.Fatal("dialer never became active")
	}
	require.Equal(t, StateActive, d.State())
	require.Equal(t, StateActive, a.State())

	// Portal -> server.
	hello := map[string][]byte{"text": []byte("hello")}
	require.NoError(t, d.Send(wire.CmdMsgPortal2Server, 7, hello))
	select {
	case msg := <-serverRecv:
		require.Equal(t, wire.CmdMsgPortal2Server, msg.Command)
		require.Equal(t, uint32(7), msg.SessionID)
		require.Equal(t, []byte("hello"), msg.Fields["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("server never received message")
	}

	// Server -> portal.
	require.NoError(t, a.Send(wire.CmdMsgServer2Portal, 7, map[string][]byte{"text": []byte("welcome")}))
	select {
	case msg := <-portalRecv:
		require.Equal(t, wire.CmdMsgServer2Portal, msg.Command)
		require.Equal(t, []byte("welcome"), msg.Fields["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("portal never received message")
	}

	// Kill the connection: the dialer reports the loss, keeps retrying and
	// refuses sends meanwhile.
	_ = serverEnd.Close()
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("loss never reported")
	}
	require.Eventually(t, func() bool {
		return d.Send(wire.CmdMsgPortal2Server, 7, hello) != nil
	}, 5*time.Second, 10*time.Millisecond)

	// Reconnect on a fresh pipe and verify traffic resumes.
	portalEnd2, serverEnd2 := net.Pipe()
	conns <- portalEnd2
	go a.ServeConn(serverEnd2)
	select {
	case <-active:
	case <-time.After(5 * time.Second):
		t.Fatal("dialer never reconnected")
	}
	require.NoError(t, d.Send(wire.CmdMsgPortal2Server, 7, hello))
	select {
	case msg := <-serverRecv:
		require.Equal(t, []byte("hello"), msg.Fields["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("server never received message after reconnect")
	}
}

func TestDialerCloseStopsReconnecting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	d, err := NewDialer(WithDialFunc(pipeDialer(conns)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, d.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dialer never stopped after close")
	}
	require.Equal(t, StateClosed, d.State())
	require.ErrorIs(t, d.Send(wire.CmdMsgPortal2Server, 1, nil), ErrLinkUnavailable)
}

func TestLargeMessageSurvivesFragmentation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := make(chan net.Conn, 1)
	serverRecv := make(chan Message, 4)
	active := make(chan struct{}, 1)

	d, err := NewDialer(
		WithDialFunc(pipeDialer(conns)),
		WithOnActive(func() { active <- struct{}{} }),
	)
	require.NoError(t, err)
	a, err := NewAcceptor(
		WithListenAddr("unused"),
		WithAcceptorRecv(func(m Message) { serverRecv <- m }),
	)
	require.NoError(t, err)

	go func() { _ = d.Run(ctx) }()
	portalEnd, serverEnd := net.Pipe()
	conns <- portalEnd
	go a.ServeConn(serverEnd)
	<-active

	big := make([]byte, 3*wire.MaxFrameSize+100)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, d.Send(wire.CmdMsgPortal2Server, 3, map[string][]byte{"data": big}))
	select {
	case msg := <-serverRecv:
		require.Equal(t, big, msg.Fields["data"])
	case <-time.After(10 * time.Second):
		t.Fatal("fragmented message never arrived")
	}
}
