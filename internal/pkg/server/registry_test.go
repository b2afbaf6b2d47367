package server

import (
	"sync"
	"testing"

	"relay/internal/pkg/link"
	"relay/internal/pkg/session"
	"relay/internal/pkg/wire"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type sentMessage struct {
	command string
	id      uint32
	fields  map[string][]byte
}

// recordingLink captures everything the registry sends to the portal.
type recordingLink struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (l *recordingLink) Send(command string, id uint32, fields map[string][]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, sentMessage{command: command, id: id, fields: fields})
	return nil
}

func (l *recordingLink) State() link.State {
	return link.StateActive
}

func (l *recordingLink) messages() []sentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentMessage(nil), l.sent...)
}

type recordingProcessor struct {
	sessions []session.Session
	texts    []string
}

func (p *recordingProcessor) Process(sess session.Session, text *string, _ map[string]any) error {
	p.sessions = append(p.sessions, sess)
	if text != nil {
		p.texts = append(p.texts, *text)
	}
	return nil
}

func newTestRegistry(t *testing.T, cfgs ...Cfg) (*Registry, *recordingLink) {
	t.Helper()
	l := &recordingLink{}
	cfgs = append([]Cfg{WithLink(l), WithStore(session.NewMemoryStore())}, cfgs...)
	r, err := NewRegistry(cfgs...)
	require.NoError(t, err)
	return r, l
}

func ids(sessions []session.Session) map[uint32]bool {
	m := make(map[uint32]bool, len(sessions))
	for _, sess := range sessions {
		m[sess.ID] = true
	}
	return m
}

func TestPortalConnectCreatesAnonymousMirror(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.PortalConnect(7, session.Attrs{Address: "10.0.0.1:5000"})

	mirrors := r.Sessions()
	require.Len(t, mirrors, 1)
	require.Equal(t, uint32(7), mirrors[0].ID)
	require.Equal(t, session.LoginStateAnonymous, mirrors[0].LoginState)
}

func TestSessionsSyncDeletionRule(t *testing.T) {
	var unbound []session.Session
	r, _ := newTestRegistry(t, WithUnbindHook(func(sess session.Session) {
		unbound = append(unbound, sess)
	}))

	r.PortalConnect(1, session.Attrs{Address: "a"})
	r.PortalConnect(2, session.Attrs{Address: "b"})
	r.PortalConnect(3, session.Attrs{Address: "c"})
	require.NoError(t, r.Login(2, "bob"))

	m := session.SyncMap{
		1: {Address: "a"},
		3: {Address: "c"},
	}
	r.PortalSessionsSync(m)

	require.Equal(t, map[uint32]bool{1: true, 3: true}, ids(r.Sessions()))
	require.Len(t, unbound, 1)
	require.Equal(t, uint32(2), unbound[0].ID)
	require.Equal(t, "bob", unbound[0].Account)

	// Idempotent: syncing the same map again changes nothing and the
	// unbind hook does not fire a second time.
	r.PortalSessionsSync(m)
	require.Equal(t, map[uint32]bool{1: true, 3: true}, ids(r.Sessions()))
	require.Len(t, unbound, 1)
}

func TestSessionsSyncRebuildsFromScratch(t *testing.T) {
	r, _ := newTestRegistry(t)
	// Fresh registry, as after a server restart: the sync creates every
	// mirror, including the authenticated one, with no login round trip.
	r.PortalSessionsSync(session.SyncMap{
		7: {Address: "10.0.0.1:5000", Authenticated: true, Account: "bob"},
	})

	mirrors := r.Sessions()
	require.Len(t, mirrors, 1)
	require.Equal(t, session.LoginStateAuthenticated, mirrors[0].LoginState)
	require.Equal(t, "bob", mirrors[0].Account)
}

func TestSessionSyncDeltaNeverDeletes(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.PortalConnect(1, session.Attrs{Address: "a"})
	r.PortalConnect(2, session.Attrs{Address: "b"})

	r.PortalSessionSync(session.SyncMap{
		2: {Address: "b", Authenticated: true, Account: "eve"},
	})

	require.Equal(t, map[uint32]bool{1: true, 2: true}, ids(r.Sessions()))
	for _, sess := range r.Sessions() {
		if sess.ID == 2 {
			require.Equal(t, "eve", sess.Account)
		}
	}
}

func TestPortalDisconnectUnbindsOnce(t *testing.T) {
	count := 0
	r, _ := newTestRegistry(t, WithUnbindHook(func(session.Session) { count++ }))
	r.PortalConnect(1, session.Attrs{Address: "a"})
	require.NoError(t, r.Login(1, "bob"))

	r.PortalDisconnect(1)
	r.PortalDisconnect(1)

	require.Empty(t, r.Sessions())
	require.Equal(t, 1, count)
}

func TestDataInRoutesToProcessorWithBoundAccount(t *testing.T) {
	proc := &recordingProcessor{}
	r, _ := newTestRegistry(t, WithCommandProcessor(proc))
	r.PortalConnect(5, session.Attrs{Address: "a"})
	require.NoError(t, r.Login(5, "bob"))

	text := "look"
	r.DataIn(5, &text, nil)

	require.Len(t, proc.sessions, 1)
	require.Equal(t, "bob", proc.sessions[0].Account)
	require.Equal(t, []string{"look"}, proc.texts)
}

func TestDataInUnknownSessionIsDropped(t *testing.T) {
	proc := &recordingProcessor{}
	r, _ := newTestRegistry(t, WithCommandProcessor(proc))

	text := "look"
	r.DataIn(999, &text, nil)

	require.Empty(t, proc.sessions)
}

func TestLoginPushesAdminOp(t *testing.T) {
	r, l := newTestRegistry(t)
	r.PortalConnect(7, session.Attrs{Address: "a"})
	require.NoError(t, r.Login(7, "bob"))

	msgs := l.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, wire.CmdPortalAdmin, msgs[0].command)
	require.Equal(t, uint32(7), msgs[0].id)

	op, payload, err := wire.ParseAdminFields(msgs[0].fields)
	require.NoError(t, err)
	require.Equal(t, wire.OpServerLogin, op)
	var login wire.LoginPayload
	require.NoError(t, msgpack.Unmarshal(payload, &login))
	require.Equal(t, "bob", login.Account)

	mirrors := r.Sessions()
	require.Equal(t, session.LoginStateAuthenticated, mirrors[0].LoginState)
}

func TestLoginUnknownSessionFails(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.Error(t, r.Login(404, "bob"))
}

func TestShutdownEmitsSessionSyncBeforeShutdown(t *testing.T) {
	r, l := newTestRegistry(t)
	r.PortalConnect(1, session.Attrs{Address: "a"})
	require.NoError(t, r.Login(1, "bob"))

	r.Shutdown(true)

	var ops []wire.AdminOp
	var syncPayload []byte
	var shutdownPayload []byte
	for _, msg := range l.messages() {
		if msg.command != wire.CmdPortalAdmin {
			continue
		}
		op, payload, err := wire.ParseAdminFields(msg.fields)
		require.NoError(t, err)
		ops = append(ops, op)
		switch op {
		case wire.OpServerSessionSync:
			syncPayload = payload
		case wire.OpServerShutdown:
			shutdownPayload = payload
		}
	}
	require.Equal(t, []wire.AdminOp{wire.OpServerLogin, wire.OpServerSessionSync, wire.OpServerShutdown}, ops)

	m, err := session.DecodeSyncMap(syncPayload)
	require.NoError(t, err)
	require.True(t, m[1].Authenticated)
	require.Equal(t, "bob", m[1].Account)

	var sd wire.ShutdownPayload
	require.NoError(t, msgpack.Unmarshal(shutdownPayload, &sd))
	require.True(t, sd.Restart)
}

func TestSendSwallowsLinkErrors(t *testing.T) {
	r, l := newTestRegistry(t)
	l.err = link.ErrLinkUnavailable
	r.PortalConnect(1, session.Attrs{Address: "a"})

	text := "you see nothing special"
	// Must not panic or return; fire-and-forget.
	r.Send(1, &text, nil)
}

func TestHandleMessageDispatchesAdmin(t *testing.T) {
	r, _ := newTestRegistry(t)

	fields, err := wire.AdminFields(wire.OpPortalSessionConnect, session.Attrs{Address: "10.0.0.1:5000"})
	require.NoError(t, err)
	r.HandleMessage(link.Message{Command: wire.CmdServerAdmin, SessionID: 3, Fields: fields})
	require.Len(t, r.Sessions(), 1)

	fields, err = wire.AdminFields(wire.OpPortalSessionDisconnect, wire.DisconnectPayload{})
	require.NoError(t, err)
	r.HandleMessage(link.Message{Command: wire.CmdServerAdmin, SessionID: 3, Fields: fields})
	require.Empty(t, r.Sessions())
}
