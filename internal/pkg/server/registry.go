package server

import (
	"relay/internal/pkg/funcall"
	"relay/internal/pkg/link"
	"relay/internal/pkg/session"
	"relay/internal/pkg/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Link is the server's view of the connection link to the portal.
type Link interface {
	Send(command string, sessionID uint32, fields map[string][]byte) error
	State() link.State
}

// CommandProcessor is the game's command interpreter. The registry routes
// every inbound client message into it together with the session it came
// from; what happens to the command is not the relay's concern.
type CommandProcessor interface {
	Process(sess session.Session, text *string, data map[string]any) error
}

// UnbindHook is invoked exactly once when an authenticated mirror is
// destroyed, so the game can unpuppet whatever object the account was
// controlling.
type UnbindHook func(sess session.Session)

// Registry mirrors the portal's live sessions on the server side.
type Registry struct {
	link   Link
	store  session.Store
	calls  *funcall.Registry
	proc   CommandProcessor
	unbind UnbindHook
}

// Cfg configures a Registry.
type Cfg func(*Registry) error

// WithLink sets the connection link to the portal.
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

// WithCommandProcessor sets the game command interpreter.
func WithCommandProcessor(proc CommandProcessor) Cfg {
	return func(r *Registry) error {
		r.proc = proc
		return nil
	}
}

// WithUnbindHook sets the hook invoked when an authenticated mirror is
// destroyed.
func WithUnbindHook(hook UnbindHook) Cfg {
	return func(r *Registry) error {
		r.unbind = hook
		return nil
	}
}

// NewRegistry creates a new server Registry with the given configuration.
func NewRegistry(cfgs ...Cfg) (*Registry, error) {
	r := &Registry{}
	for _, cfg := range cfgs {
		if err := cfg(r); err != nil {
			return nil, errors.Wrap(err, "apply Registry cfg failed")
		}
	}
	if r.store == nil {
		r.store = session.NewMemoryStore()
	}
	if r.link == nil {
		return nil, errors.New("server registry requires a link")
	}
	return r, nil
}

// PortalConnect creates the mirror for a newly announced client session.
func (r *Registry) PortalConnect(id uint32, attrs session.Attrs) {
	sess := session.FromAttrs(id, attrs)
	if err := r.store.New(sess); err != nil {
		// A duplicate announce after a flaky reconnect; refresh instead.
		_ = r.store.Set(sess)
	}
	logger.WithFields(logrus.Fields{
		"session_id": id,
		"address":    attrs.Address,
	}).Info("session mirror created")
}

// PortalDisconnect destroys the mirror for a departed client session.
func (r *Registry) PortalDisconnect(id uint32) {
	r.destroy(id)
}

// destroy removes one mirror, unbinding its account exactly once if it
// was authenticated.
func (r *Registry) destroy(id uint32) {
	sess, err := r.store.Get(id)
	if err != nil {
		return
	}
	if err := r.store.Delete(id); err != nil {
		return
	}
	if sess.LoginState == session.LoginStateAuthenticated && r.unbind != nil {
		r.unbind(sess)
	}
	logger.WithField("session_id", id).Info("session mirror destroyed")
}

// PortalSessionsSync reconciles the mirror set against the portal's full
// session snapshot: everything in the snapshot is created or updated,
// everything else is destroyed. Idempotent, and authoritative because the
// portal owns the sockets.
func (r *Registry) PortalSessionsSync(m session.SyncMap) {
	for _, sess := range r.store.All() {
		if _, ok := m[sess.ID]; !ok {
			r.destroy(sess.ID)
		}
	}
	for id, attrs := range m {
		sess := session.FromAttrs(id, attrs)
		if _, err := r.store.Get(id); err != nil {
			_ = r.store.New(sess)
		} else {
			_ = r.store.Set(sess)
		}
	}
	logger.WithField("sessions", len(m)).Info("session mirrors reconciled")
}

// PortalSessionSync applies an incremental post-sync delta: listed
// sessions are created or updated, nothing is ever deleted.
func (r *Registry) PortalSessionSync(m session.SyncMap) {
	for id, attrs := range m {
		sess := session.FromAttrs(id, attrs)
		if _, err := r.store.Get(id); err != nil {
			_ = r.store.New(sess)
		} else {
			_ = r.store.Set(sess)
		}
	}
}

// DataIn routes one inbound client message into the game's command
// processor together with the session's bound account, if any.
func (r *Registry) DataIn(id uint32, text *string, data map[string]any) {
	sess, err := r.store.Get(id)
	if err != nil {
		// Mirror already destroyed; input racing a disconnect is dropped.
		return
	}
	if r.proc == nil {
		return
	}
	if err := r.proc.Process(sess, text, data); err != nil {
		logger.WithError(err).WithField("session_id", id).Warn("process command failed")
	}
}

// Send transmits game output to one session. Fire-and-forget: the caller
// never learns about a down link; undeliverable output is dropped and the
// client's state is rebuilt by the next sync anyway.
func (r *Registry) Send(id uint32, text *string, data map[string]any) {
	fields, err := wire.DataFields(text, data)
	if err != nil {
		logger.WithError(err).WithField("session_id", id).Warn("encode output failed")
		return
	}
	if err := r.link.Send(wire.CmdMsgServer2Portal, id, fields); err != nil {
		logger.WithError(err).WithField("session_id", id).Debug("drop output, link down")
	}
}

// Login binds an account to a session after successful authentication and
// pushes the new login state to the portal.
func (r *Registry) Login(id uint32, account string) error {
	sess, err := r.store.Get(id)
	if err != nil {
		return errors.Wrapf(err, "login unknown session %d failed", id)
	}
	sess.LoginState = session.LoginStateAuthenticated
	sess.Account = account
	if err := r.store.Set(sess); err != nil {
		return errors.Wrap(err, "store login state failed")
	}
	r.sendAdmin(wire.OpServerLogin, id, wire.LoginPayload{Account: account})
	logger.WithFields(logrus.Fields{
		"session_id": id,
		"account":    account,
	}).Info("session logged in")
	return nil
}

// Disconnect orders the portal to close one client connection and
// destroys the local mirror.
func (r *Registry) Disconnect(id uint32, reason string) {
	r.sendAdmin(wire.OpServerDisconnect, id, wire.DisconnectPayload{Reason: reason})
	r.destroy(id)
}

// DisconnectAll orders the portal to close every client connection and
// destroys all local mirrors.
func (r *Registry) DisconnectAll(reason string) {
	r.sendAdmin(wire.OpServerDisconnectAll, 0, wire.DisconnectPayload{Reason: reason})
	for _, sess := range r.store.All() {
		r.destroy(sess.ID)
	}
}

// ForceConnect asks the portal to open a bot-style connection with the
// given attributes.
func (r *Registry) ForceConnect(attrs session.Attrs) {
	r.sendAdmin(wire.OpServerForceConnect, 0, attrs)
}

// Shutdown announces a controlled shutdown to the portal. The session
// binding snapshot goes out first so already-authenticated clients keep
// their accounts across the outage; then the shutdown notice tells the
// portal whether to expect the server back.
func (r *Registry) Shutdown(restart bool) {
	all := r.store.All()
	m := make(session.SyncMap, len(all))
	for _, sess := range all {
		m[sess.ID] = sess.Snapshot()
	}
	r.sendAdmin(wire.OpServerSessionSync, 0, m)
	r.sendAdmin(wire.OpServerShutdown, 0, wire.ShutdownPayload{Restart: restart})
	logger.WithFields(logrus.Fields{
		"sessions": len(m),
		"restart":  restart,
	}).Info("shutdown announced to portal")
}

// HandleMessage dispatches one reassembled message from the portal.
func (r *Registry) HandleMessage(msg link.Message) {
	switch msg.Command {
	case wire.CmdMsgPortal2Server:
		text, data, err := wire.ParseDataFields(msg.Fields)
		if err != nil {
			logger.WithError(err).WithField("session_id", msg.SessionID).Warn("drop malformed client data")
			return
		}
		r.DataIn(msg.SessionID, text, data)
	case wire.CmdServerAdmin:
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

// handleAdmin applies one portal-issued administrative operation. The
// switch covers every operation variant; the portal-bound ones can only
// appear here if the peer misroutes them.
func (r *Registry) handleAdmin(op wire.AdminOp, id uint32, payload []byte) {
	switch op {
	case wire.OpPortalSessionConnect:
		var attrs session.Attrs
		if err := msgpack.Unmarshal(payload, &attrs); err != nil {
			logger.WithError(err).Warn("drop malformed connect payload")
			return
		}
		r.PortalConnect(id, attrs)
	case wire.OpPortalSessionDisconnect:
		r.PortalDisconnect(id)
	case wire.OpPortalFullSync:
		m, err := session.DecodeSyncMap(payload)
		if err != nil {
			logger.WithError(err).Warn("drop malformed full sync")
			return
		}
		r.PortalSessionsSync(m)
	case wire.OpPortalPostSyncConnect:
		m, err := session.DecodeSyncMap(payload)
		if err != nil {
			logger.WithError(err).Warn("drop malformed post-sync delta")
			return
		}
		r.PortalSessionSync(m)
	case wire.OpServerLogin, wire.OpServerDisconnect, wire.OpServerDisconnectAll, wire.OpServerShutdown, wire.OpServerSessionSync, wire.OpServerForceConnect:
		logger.WithField("operation", op.String()).Warn("drop portal-bound operation sent to server")
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

// Sessions returns the mirrors currently held.
func (r *Registry) Sessions() []session.Session {
	return r.store.All()
}
