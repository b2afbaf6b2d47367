package link

import (
	"bufio"
	"net"
	"sync"

	"relay/internal/pkg/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// DefaultSendBuffer is the default outbound frame buffer per connection.
const DefaultSendBuffer = 256

// Message is one fully reassembled logical message received from the peer.
type Message struct {
	Command   string
	SessionID uint32
	Fields    map[string][]byte
}

// connState is the per-connection plumbing: the socket, its outbound frame
// queue and a done latch that releases blocked senders when the connection
// dies.
type connState struct {
	conn  net.Conn
	out   chan wire.Frame
	done  chan struct{}
	close sync.Once
}

func (cs *connState) shutdown() {
	cs.close.Do(func() {
		close(cs.done)
		_ = cs.conn.Close()
	})
}

// peer is the transport core shared by the Dialer and the Acceptor: it
// tracks the link state, pumps frames in and out of the one live
// connection, and fragments/reassembles messages through a wire.Codec.
type peer struct {
	mu      sync.RWMutex
	state   State
	cur     *connState
	enc     *wire.Codec
	sendBuf int

	recv     func(Message)
	onActive func()
	onLost   func()
}

func newPeer() peer {
	return peer{
		state:   StateConnecting,
		enc:     wire.NewCodec(),
		sendBuf: DefaultSendBuffer,
	}
}

// State reports the link's current lifecycle state.
func (p *peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// attach installs conn as the live connection, replacing and closing any
// previous one, and starts its write pump.
func (p *peer) attach(conn net.Conn) *connState {
	cs := &connState{
		conn: conn,
		out:  make(chan wire.Frame, p.sendBuf),
		done: make(chan struct{}),
	}
	p.mu.Lock()
	prev := p.cur
	p.cur = cs
	p.state = StateActive
	p.mu.Unlock()
	if prev != nil {
		prev.shutdown()
	}
	go p.writeLoop(cs)
	return cs
}

// detachIfCurrent tears down cs if it is still the live connection.
// Returns false when cs was already replaced by a newer connection, in
// which case the link never left the active state.
func (p *peer) detachIfCurrent(cs *connState) bool {
	p.mu.Lock()
	current := p.cur == cs
	if current {
		p.cur = nil
	}
	p.mu.Unlock()
	cs.shutdown()
	return current
}

// Send fragments one logical message and queues its frames on the live
// connection. It fails fast with ErrLinkUnavailable when the link is not
// active. A full queue blocks only until the write pump drains or the
// connection dies; it never blocks past the life of the connection.
func (p *peer) Send(command string, sessionID uint32, fields map[string][]byte) error {
	p.mu.RLock()
	cs := p.cur
	active := p.state == StateActive
	p.mu.RUnlock()
	if !active || cs == nil {
		return ErrLinkUnavailable
	}
	for _, f := range p.enc.Encode(command, sessionID, fields) {
		select {
		case cs.out <- f:
		case <-cs.done:
			return ErrLinkUnavailable
		}
	}
	return nil
}

// writeLoop drains the outbound queue onto the socket. A write error kills
// the connection, which unblocks the read loop and triggers reconnection.
func (p *peer) writeLoop(cs *connState) {
	w := bufio.NewWriter(cs.conn)
	for {
		select {
		case <-cs.done:
			return
		case f := <-cs.out:
			if err := wire.WriteFrame(w, f); err != nil {
				logger.WithError(err).Warn("link write failed")
				cs.shutdown()
				return
			}
			// Flush once the queue is momentarily empty so small frames
			// are not held hostage by the buffer.
			if len(cs.out) == 0 {
				if err := w.Flush(); err != nil {
					logger.WithError(err).Warn("link flush failed")
					cs.shutdown()
					return
				}
			}
		}
	}
}

// readLoop reads frames until the connection dies, reassembling fragments
// with a codec scoped to this connection so stale partial messages from a
// previous connection can never bleed into a new one. Malformed messages
// are logged and dropped; they never tear down the link.
func (p *peer) readLoop(cs *connState) error {
	codec := wire.NewCodec()
	r := bufio.NewReader(cs.conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return errors.Wrap(err, "read frame failed")
		}
		fields, err := codec.DecodeFrame(f)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"command":    f.Command,
				"session_id": f.SessionID,
				"part":       f.Part,
				"total":      f.Total,
			}).WithError(err).Warn("dropping undecodable message")
			continue
		}
		if fields == nil {
			continue
		}
		if p.recv != nil {
			p.recv(Message{Command: f.Command, SessionID: f.SessionID, Fields: fields})
		}
	}
}
