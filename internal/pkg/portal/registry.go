package portal

import (
	"sync"
	"sync/atomic"

	"relay/internal/pkg/funcall"
	"relay/internal/pkg/link"
	"relay/internal/pkg/session"
	"relay/internal/pkg/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// lostLinkNotice is shown to connected clients when the link drops.
const lostLinkNotice = "Lost connection to the game server. Hold on, reconnecting..."

// Link is the portal's view of the connection link to the server.
type Link interface {
	Send(command string, sessionID uint32, fields map[string][]byte) error
	State() link.State
	SetExpectedRestart(bool)
	Close() error
}

// Connector opens an outbound bot-style client connection on the server's
// behalf (ServerForceConnect).
type Connector func(attrs session.Attrs) (Conn, error)

// Registry tracks every live client connection on the portal side.
type Registry struct {
	link      Link
	store     session.Store
	calls     *funcall.Registry
	connector Connector

	mu     sync.Mutex
	conns  map[uint32]Conn
	nextID atomic.Uint32
}

// Cfg configures a Registry.
type Cfg func(*Registry) error

// WithLink sets the connection link to the server.
func WithLink(l Link) Cfg {
	return func(r *Registry) error {
		r.link = l
		return nil
	}
}

// WithStore sets the session store.
func WithStore(store session.Store) Cfg {
	return func(r *Registry) error {
		r.store = store
		return nil
	}
}

// WithCalls sets the remote-call registry served over this link.
func WithCalls(calls *funcall.Registry) Cfg {
	return func(r *Registry) error {
		r.calls = calls
		return nil
	}
}

// WithConnector sets the hook used to open connections for
// ServerForceConnect.
func WithConnector(c Connector) Cfg {
	return func(r *Registry) error {
		r.connector = c
		return nil
	}
}

// NewRegistry creates a new portal Registry with the given configuration.
func NewRegistry(cfgs ...Cfg) (*Registry, error) {
	r := &Registry{
		conns: make(map[uint32]Conn),
	}
	for _, cfg := range cfgs {
		if err := cfg(r); err != nil {
			return nil, errors.Wrap(err, "apply Registry cfg failed")
		}
	}
	if r.store == nil {
		r.store = session.NewMemoryStore()
	}
	if r.link == nil {
		return nil, errors.New("portal registry requires a link")
	}
	return r, nil
}

// OnClientConnect registers a newly connected client, assigns its session
// id and announces it to the server. When the link is down the
// announcement is skipped; the session is held locally and carried by the
// next full sync.
func (r *Registry) OnClientConnect(conn Conn, flags map[string]any) (session.Session, error) {
	sess := session.Session{
		ID:            r.nextID.Add(1),
		Address:       conn.Address(),
		ProtocolFlags: flags,
	}
	if err := r.store.New(sess); err != nil {
		return session.Session{}, errors.Wrap(err, "store new session failed")
	}
	r.mu.Lock()
	r.conns[sess.ID] = conn
	r.mu.Unlock()
	r.sendAdmin(wire.OpPortalSessionConnect, sess.ID, sess.Snapshot())
	logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"address":    sess.Address,
	}).Info("client connected")
	return sess, nil
}

// OnClientDisconnect removes a session whose client went away and
// notifies the server best-effort. A notification lost to a down link is
// reconciled by the next full sync's deletion rule.
func (r *Registry) OnClientDisconnect(id uint32) {
	if !r.remove(id) {
		return
	}
	r.sendAdmin(wire.OpPortalSessionDisconnect, id, wire.DisconnectPayload{})
	logger.WithField("session_id", id).Info("client disconnected")
}

// remove drops the session locally without closing the client connection,
// returning false if the session was not held.
func (r *Registry) remove(id uint32) bool {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
	return r.store.Delete(id) == nil
}

// DataIn relays inbound client data to the server. Text may be nil for
// pure out-of-band data. Input arriving while the link is down is
// dropped; the client keeps its connection and is told to hold on.
func (r *Registry) DataIn(id uint32, text *string, data map[string]any) {
	fields, err := wire.DataFields(text, data)
	if err != nil {
		logger.WithError(err).WithField("session_id", id).Warn("encode client data failed")
		return
	}
	if err := r.link.Send(wire.CmdMsgPortal2Server, id, fields); err != nil {
		logger.WithError(err).WithField("session_id", id).Debug("drop client data, link down")
	}
}

// DataOut writes server-originated output to the client connection. An
// unknown session id is a silent no-op: client disconnects race with
// in-flight server sends by design.
func (r *Registry) DataOut(id uint32, text *string, data map[string]any) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Deliver(text, data); err != nil {
		logger.WithError(err).WithField("session_id", id).Debug("deliver to client failed")
	}
}

// HandleMessage dispatches one reassembled message from the server.
func (r *Registry) HandleMessage(msg link.Message) {
	switch msg.Command {
	case wire.CmdMsgServer2Portal:
		text, data, err := wire.ParseDataFields(msg.Fields)
		if err != nil {
			logger.WithError(err).WithField("session_id", msg.SessionID).Warn("drop malformed server output")
			return
		}
		r.DataOut(msg.SessionID, text, data)
	case wire.CmdPortalAdmin:
		op, payload, err := wire.ParseAdminFields(msg.Fields)
		if err != nil {
			logger.WithError(err).Warn("drop malformed admin operation")
			return
		}
		r.handleAdmin(op, msg.SessionID, payload)
	case wire.CmdFunctionCall:
		if r.calls != nil {
			r.calls.HandleCall(msg.Fields)
		}
	case wire.CmdFunctionReply:
		if r.calls != nil {
			r.calls.HandleReply(msg.Fields)
		}
	default:
		logger.WithField("command", msg.Command).Warn("drop unexpected command")
	}
}

// handleAdmin applies one server-issued administrative operation. The
// switch covers every operation variant; the server-bound ones can only
// appear here if the peer misroutes them.
func (r *Registry) handleAdmin(op wire.AdminOp, id uint32, payload []byte) {
	switch op {
	case wire.OpServerLogin:
		var login wire.LoginPayload
		if err := msgpack.Unmarshal(payload, &login); err != nil {
			logger.WithError(err).Warn("drop malformed login payload")
			return
		}
		r.markLoggedIn(id, login.Account)
	case wire.OpServerDisconnect:
		var dc wire.DisconnectPayload
		_ = msgpack.Unmarshal(payload, &dc)
		r.closeClient(id, dc.Reason)
	case wire.OpServerDisconnectAll:
		var dc wire.DisconnectPayload
		_ = msgpack.Unmarshal(payload, &dc)
		for _, sess := range r.store.All() {
			r.closeClient(sess.ID, dc.Reason)
		}
	case wire.OpServerShutdown:
		var sd wire.ShutdownPayload
		if err := msgpack.Unmarshal(payload, &sd); err != nil {
			logger.WithError(err).Warn("drop malformed shutdown payload")
			return
		}
		r.handleShutdown(sd.Restart)
	case wire.OpServerSessionSync:
		m, err := session.DecodeSyncMap(payload)
		if err != nil {
			logger.WithError(err).Warn("drop malformed session sync")
			return
		}
		r.restoreSessions(m)
	case wire.OpServerForceConnect:
		var attrs session.Attrs
		if err := msgpack.Unmarshal(payload, &attrs); err != nil {
			logger.WithError(err).Warn("drop malformed force-connect payload")
			return
		}
		r.forceConnect(attrs)
	case wire.OpPortalSessionConnect, wire.OpPortalSessionDisconnect, wire.OpPortalFullSync, wire.OpPortalPostSyncConnect:
		logger.WithField("operation", op.String()).Warn("drop server-bound operation sent to portal")
	}
}

// markLoggedIn records a successful authentication pushed by the server.
func (r *Registry) markLoggedIn(id uint32, account string) {
	sess, err := r.store.Get(id)
	if err != nil {
		// Client already gone; the next full sync cleans this up.
		return
	}
	sess.LoginState = session.LoginStateAuthenticated
	sess.Account = account
	if err := r.store.Set(sess); err != nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"session_id": id,
		"account":    account,
	}).Info("session authenticated")
}

// closeClient closes one client connection on the server's order and
// drops the session. No disconnect notification goes back: the server
// initiated the close and prunes its own mirror.
func (r *Registry) closeClient(id uint32, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	r.mu.Unlock()
	if ok {
		if err := conn.Close(reason); err != nil {
			logger.WithError(err).WithField("session_id", id).Debug("close client failed")
		}
	}
	r.remove(id)
}

// handleShutdown reacts to the server announcing it is going down. On a
// restart the dialer switches to the fast reconnect ceiling and clients
// stay connected; otherwise the link is closed for good and clients are
// told the game is gone.
func (r *Registry) handleShutdown(restart bool) {
	if restart {
		logger.Info("server restarting, expecting it back shortly")
		r.link.SetExpectedRestart(true)
		return
	}
	logger.Info("server shut down permanently, closing link")
	r.notifyAll("The game server has shut down.")
	_ = r.link.Close()
}

// restoreSessions applies the server's session snapshot, pushed ahead of
// a controlled shutdown so already-authenticated clients keep their
// accounts without re-logging in. Update-only: sessions the portal no
// longer holds are ignored.
func (r *Registry) restoreSessions(m session.SyncMap) {
	for id, attrs := range m {
		sess, err := r.store.Get(id)
		if err != nil {
			continue
		}
		if attrs.Authenticated {
			sess.LoginState = session.LoginStateAuthenticated
		}
		if attrs.Account != "" {
			sess.Account = attrs.Account
		}
		if attrs.ProtocolFlags != nil {
			sess.ProtocolFlags = attrs.ProtocolFlags
		}
		_ = r.store.Set(sess)
	}
	logger.WithField("sessions", len(m)).Info("restored session state from server")
}

// forceConnect opens a new outbound connection on the server's behalf.
func (r *Registry) forceConnect(attrs session.Attrs) {
	if r.connector == nil {
		logger.Warn("force-connect requested but no connector configured")
		return
	}
	conn, err := r.connector(attrs)
	if err != nil {
		logger.WithError(err).Warn("force-connect failed")
		return
	}
	sess, err := r.OnClientConnect(conn, attrs.ProtocolFlags)
	if err != nil {
		logger.WithError(err).Warn("register forced connection failed")
		return
	}
	if attrs.Authenticated {
		r.markLoggedIn(sess.ID, attrs.Account)
	}
}

// FullSync pushes the portal's complete session set to the server. Runs
// on every link (re)establishment; the server reconciles its mirrors to
// exactly this set. Afterwards the authenticated sessions are re-announced
// as a post-sync delta and the fast-reconnect mode, if any, ends.
func (r *Registry) FullSync() {
	all := r.store.All()
	m := make(session.SyncMap, len(all))
	delta := make(session.SyncMap)
	for _, sess := range all {
		m[sess.ID] = sess.Snapshot()
		if sess.LoginState == session.LoginStateAuthenticated {
			delta[sess.ID] = sess.Snapshot()
		}
	}
	r.sendAdmin(wire.OpPortalFullSync, 0, m)
	if len(delta) > 0 {
		r.sendAdmin(wire.OpPortalPostSyncConnect, 0, delta)
	}
	r.link.SetExpectedRestart(false)
	r.notifyAll("Connection to the game server restored.")
	logger.WithField("sessions", len(m)).Info("full session sync sent")
}

// OnLinkLost tells connected clients the game server became unreachable.
// Advisory only; their connections stay open and input resumes after the
// next successful sync.
func (r *Registry) OnLinkLost() {
	r.notifyAll(lostLinkNotice)
}

func (r *Registry) notifyAll(notice string) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Deliver(&notice, nil)
	}
}

// sendAdmin transmits one administrative operation best-effort.
func (r *Registry) sendAdmin(op wire.AdminOp, id uint32, payload any) {
	fields, err := wire.AdminFields(op, payload)
	if err != nil {
		logger.WithError(err).WithField("operation", op.String()).Warn("encode admin operation failed")
		return
	}
	if err := r.link.Send(op.Command(), id, fields); err != nil {
		logger.WithError(err).WithField("operation", op.String()).Debug("drop admin operation, link down")
	}
}

// Sessions returns the sessions currently held.
func (r *Registry) Sessions() []session.Session {
	return r.store.All()
}
