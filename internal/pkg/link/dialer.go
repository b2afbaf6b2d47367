package link

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Dialer is the portal-side end of the link. It connects to the server's
// acceptor and redials forever on the backoff schedule until explicitly
// closed.
type Dialer struct {
	peer
	addr string
	dial func(ctx context.Context) (net.Conn, error)

	expectedRestart atomic.Bool
	closed          atomic.Bool
	stop            chan struct{}
}

// DialerCfg configures a Dialer.
type DialerCfg func(*Dialer) error

// WithAddr sets the server address to dial.
func WithAddr(addr string) DialerCfg {
	return func(d *Dialer) error {
		d.addr = addr
		return nil
	}
}

// WithDialFunc overrides how the connection is established. Used by tests
// to dial in-memory pipes.
func WithDialFunc(dial func(ctx context.Context) (net.Conn, error)) DialerCfg {
	return func(d *Dialer) error {
		d.dial = dial
		return nil
	}
}

// WithRecv sets the callback invoked with each reassembled inbound message.
func WithRecv(recv func(Message)) DialerCfg {
	return func(d *Dialer) error {
		d.recv = recv
		return nil
	}
}

// WithOnActive sets the hook invoked after every successful connection,
// before normal traffic resumes. The portal registry hangs its full sync
// off this hook.
func WithOnActive(hook func()) DialerCfg {
	return func(d *Dialer) error {
		d.onActive = hook
		return nil
	}
}

// WithOnLost sets the hook invoked when an established connection drops.
func WithOnLost(hook func()) DialerCfg {
	return func(d *Dialer) error {
		d.onLost = hook
		return nil
	}
}

// WithSendBuffer sets the outbound frame buffer size.
func WithSendBuffer(n int) DialerCfg {
	return func(d *Dialer) error {
		d.sendBuf = n
		return nil
	}
}

// NewDialer creates a new Dialer with the given configuration.
func NewDialer(cfgs ...DialerCfg) (*Dialer, error) {
	d := &Dialer{
		peer: newPeer(),
		stop: make(chan struct{}),
	}
	for _, cfg := range cfgs {
		if err := cfg(d); err != nil {
			return nil, errors.Wrap(err, "apply Dialer cfg failed")
		}
	}
	if d.dial == nil {
		if d.addr == "" {
			return nil, errors.New("dialer requires an address")
		}
		d.dial = func(ctx context.Context) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "tcp", d.addr)
		}
	}
	return d, nil
}

// SetExpectedRestart switches the backoff ceiling between the steady-state
// and post-restart schedules. Set when the server announces a restart,
// cleared once the following full sync completes.
func (d *Dialer) SetExpectedRestart(v bool) {
	d.expectedRestart.Store(v)
}

// ExpectedRestart reports whether the accelerated reconnect ceiling is in
// effect.
func (d *Dialer) ExpectedRestart() bool {
	return d.expectedRestart.Load()
}

// Close stops reconnection permanently and moves the link to CLOSED. Only
// a deliberate server shutdown ends up here.
func (d *Dialer) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		close(d.stop)
		d.mu.Lock()
		cs := d.cur
		d.mu.Unlock()
		if cs != nil {
			cs.shutdown()
		}
	}
	return nil
}

// Run dials and serves connections until the context is cancelled or the
// dialer is closed. Connection failures are never returned; they feed the
// retry loop.
func (d *Dialer) Run(ctx context.Context) error {
	// Close is terminal, so one watcher canceling in-flight dials is enough.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := NewBackOff()
	for {
		if d.closed.Load() {
			d.setState(StateClosed)
			return nil
		}
		d.setState(StateConnecting)
		conn, err := d.dial(ctx)
		if err != nil {
			if d.closed.Load() {
				d.setState(StateClosed)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			d.setState(StateReconnecting)
			delay := ClampRestart(bo.NextBackOff(), d.ExpectedRestart())
			logger.WithError(err).WithField("retry_in", delay.String()).Info("server unreachable, will retry")
			select {
			case <-ctx.Done():
				return nil
			case <-d.stop:
				continue
			case <-time.After(delay):
				continue
			}
		}
		bo.Reset()
		logger.WithField("addr", conn.RemoteAddr().String()).Info("link established")
		cs := d.attach(conn)
		if d.onActive != nil {
			d.onActive()
		}
		readErr := d.readLoop(cs)
		d.detachIfCurrent(cs)
		if d.closed.Load() || ctx.Err() != nil {
			d.setState(StateClosed)
			return nil
		}
		d.setState(StateReconnecting)
		logger.WithError(readErr).Warn("link to server lost")
		if d.onLost != nil {
			d.onLost()
		}
	}
}
