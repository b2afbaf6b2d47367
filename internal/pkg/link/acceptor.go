package link

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Acceptor is the server-side end of the link. It listens for the portal's
// dialer and holds at most one live connection; a newly accepted
// connection replaces the previous one.
type Acceptor struct {
	peer
	addr   string
	lis    net.Listener
	closed atomic.Bool
}

// AcceptorCfg configures an Acceptor.
type AcceptorCfg func(*Acceptor) error

// WithListenAddr sets the address to listen on for the portal.
func WithListenAddr(addr string) AcceptorCfg {
	return func(a *Acceptor) error {
		a.addr = addr
		return nil
	}
}

// WithListener supplies an existing listener. Used by tests.
func WithListener(lis net.Listener) AcceptorCfg {
	return func(a *Acceptor) error {
		a.lis = lis
		return nil
	}
}

// WithAcceptorRecv sets the callback invoked with each reassembled inbound
// message.
func WithAcceptorRecv(recv func(Message)) AcceptorCfg {
	return func(a *Acceptor) error {
		a.recv = recv
		return nil
	}
}

// WithAcceptorOnActive sets the hook invoked when a portal connects.
func WithAcceptorOnActive(hook func()) AcceptorCfg {
	return func(a *Acceptor) error {
		a.onActive = hook
		return nil
	}
}

// WithAcceptorOnLost sets the hook invoked when the portal connection drops.
func WithAcceptorOnLost(hook func()) AcceptorCfg {
	return func(a *Acceptor) error {
		a.onLost = hook
		return nil
	}
}

// WithAcceptorSendBuffer sets the outbound frame buffer size.
func WithAcceptorSendBuffer(n int) AcceptorCfg {
	return func(a *Acceptor) error {
		a.sendBuf = n
		return nil
	}
}

// NewAcceptor creates a new Acceptor with the given configuration.
func NewAcceptor(cfgs ...AcceptorCfg) (*Acceptor, error) {
	a := &Acceptor{
		peer: newPeer(),
	}
	for _, cfg := range cfgs {
		if err := cfg(a); err != nil {
			return nil, errors.Wrap(err, "apply Acceptor cfg failed")
		}
	}
	if a.lis == nil && a.addr == "" {
		return nil, errors.New("acceptor requires a listen address")
	}
	return a, nil
}

// Close stops accepting and tears down the live connection.
func (a *Acceptor) Close() error {
	if a.closed.CompareAndSwap(false, true) {
		if a.lis != nil {
			_ = a.lis.Close()
		}
		a.mu.Lock()
		cs := a.cur
		a.mu.Unlock()
		if cs != nil {
			cs.shutdown()
		}
		a.setState(StateClosed)
	}
	return nil
}

// Run listens for the portal and serves connections until the context is
// cancelled or the acceptor is closed.
func (a *Acceptor) Run(ctx context.Context) error {
	if a.lis == nil {
		var err error
		a.lis, err = net.Listen("tcp", a.addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s failed", a.addr)
		}
	}
	if a.closed.Load() {
		// Closed before Run; release the listener created above.
		_ = a.lis.Close()
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = a.Close()
	}()
	logger.WithField("addr", a.lis.Addr().String()).Info("listening for portal")
	for {
		conn, err := a.lis.Accept()
		if err != nil {
			if a.closed.Load() || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept portal connection failed")
		}
		go a.ServeConn(conn)
	}
}

// ServeConn installs conn as the live portal connection and pumps it until
// it dies. Exported so tests can drive the acceptor over in-memory pipes.
func (a *Acceptor) ServeConn(conn net.Conn) {
	logger.WithField("addr", conn.RemoteAddr().String()).Info("portal connected")
	cs := a.attach(conn)
	if a.onActive != nil {
		a.onActive()
	}
	readErr := a.readLoop(cs)
	if !a.detachIfCurrent(cs) {
		// Already replaced by a newer portal connection; the link never
		// left the active state.
		return
	}
	if a.closed.Load() {
		return
	}
	a.setState(StateReconnecting)
	logger.WithError(readErr).Warn("portal connection lost")
	if a.onLost != nil {
		a.onLost()
	}
}
