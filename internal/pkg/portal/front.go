package portal

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// TCPFront is a minimal line-based client front: it accepts raw TCP
// connections, registers each as a session and relays lines of input
// through the registry. Richer protocol fronts (websocket, SSH) plug into
// the registry the same way via the Conn interface.
type TCPFront struct {
	addr     string
	lis      net.Listener
	registry *Registry
}

// FrontCfg configures a TCPFront.
type FrontCfg func(*TCPFront) error

// WithFrontAddr sets the address to serve clients on.
func WithFrontAddr(addr string) FrontCfg {
	return func(f *TCPFront) error {
		f.addr = addr
		return nil
	}
}

// WithFrontListener supplies an existing listener. Used by tests.
func WithFrontListener(lis net.Listener) FrontCfg {
	return func(f *TCPFront) error {
		f.lis = lis
		return nil
	}
}

// WithFrontRegistry sets the session registry clients are registered with.
func WithFrontRegistry(r *Registry) FrontCfg {
	return func(f *TCPFront) error {
		f.registry = r
		return nil
	}
}

// NewTCPFront creates a new TCPFront with the given configuration.
func NewTCPFront(cfgs ...FrontCfg) (*TCPFront, error) {
	f := &TCPFront{}
	for _, cfg := range cfgs {
		if err := cfg(f); err != nil {
			return nil, errors.Wrap(err, "apply TCPFront cfg failed")
		}
	}
	if f.registry == nil {
		return nil, errors.New("tcp front requires a registry")
	}
	if f.lis == nil && f.addr == "" {
		return nil, errors.New("tcp front requires a listen address")
	}
	return f, nil
}

// Run accepts client connections until the context is cancelled.
func (f *TCPFront) Run(ctx context.Context) error {
	if f.lis == nil {
		var err error
		f.lis, err = net.Listen("tcp", f.addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s failed", f.addr)
		}
	}
	go func() {
		<-ctx.Done()
		_ = f.lis.Close()
	}()
	logger.WithField("addr", f.lis.Addr().String()).Info("serving clients")
	for {
		conn, err := f.lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept client failed")
		}
		go f.serve(conn)
	}
}

// serve pumps one client connection for its lifetime.
func (f *TCPFront) serve(conn net.Conn) {
	tc := &tcpConn{conn: conn}
	sess, err := f.registry.OnClientConnect(tc, map[string]any{"protocol": "tcp"})
	if err != nil {
		logger.WithError(err).Warn("register client failed")
		_ = conn.Close()
		return
	}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		f.registry.DataIn(sess.ID, &line, nil)
	}
	f.registry.OnClientDisconnect(sess.ID)
}

// tcpConn adapts one raw TCP client socket to the Conn interface.
type tcpConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *tcpConn) Address() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpConn) Deliver(text *string, _ map[string]any) error {
	if text == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(append([]byte(*text), '\r', '\n'))
	return errors.Wrap(err, "write to client failed")
}

func (c *tcpConn) Close(reason string) error {
	if reason != "" {
		_ = c.Deliver(&reason, nil)
	}
	return errors.Wrap(c.conn.Close(), "close client failed")
}
