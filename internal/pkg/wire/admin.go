package wire

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// AdminOp tags an out-of-band administrative operation carried by a
// ServerAdmin or PortalAdmin message. The set is closed: dispatch sites
// switch exhaustively over it so an unhandled variant is caught at review
// time rather than falling through a runtime else-branch.
type AdminOp uint8

const (
	adminOpInvalid AdminOp = iota

	// Portal -> Server (ServerAdmin message).
	OpPortalSessionConnect
	OpPortalSessionDisconnect
	OpPortalFullSync
	OpPortalPostSyncConnect

	// Server -> Portal (PortalAdmin message).
	OpServerLogin
	OpServerDisconnect
	OpServerDisconnectAll
	OpServerShutdown
	OpServerSessionSync
	OpServerForceConnect
)

var adminOpNames = map[AdminOp]string{
	OpPortalSessionConnect:    "PortalSessionConnect",
	OpPortalSessionDisconnect: "PortalSessionDisconnect",
	OpPortalFullSync:          "PortalFullSync",
	OpPortalPostSyncConnect:   "PortalPostSyncConnect",
	OpServerLogin:             "ServerLogin",
	OpServerDisconnect:        "ServerDisconnect",
	OpServerDisconnectAll:     "ServerDisconnectAll",
	OpServerShutdown:          "ServerShutdown",
	OpServerSessionSync:       "ServerSessionSync",
	OpServerForceConnect:      "ServerForceConnect",
}

func (op AdminOp) String() string {
	if name, ok := adminOpNames[op]; ok {
		return name
	}
	return "InvalidAdminOp"
}

// ServerBound reports whether the operation travels portal -> server.
func (op AdminOp) ServerBound() bool {
	switch op {
	case OpPortalSessionConnect, OpPortalSessionDisconnect, OpPortalFullSync, OpPortalPostSyncConnect:
		return true
	case OpServerLogin, OpServerDisconnect, OpServerDisconnectAll, OpServerShutdown, OpServerSessionSync, OpServerForceConnect:
		return false
	}
	return false
}

// Command returns the wire command that carries this operation.
func (op AdminOp) Command() string {
	if op.ServerBound() {
		return CmdServerAdmin
	}
	return CmdPortalAdmin
}

// LoginPayload accompanies ServerLogin: the opaque account identifier the
// session is now bound to.
type LoginPayload struct {
	Account string `msgpack:"account"`
}

// DisconnectPayload accompanies ServerDisconnect, ServerDisconnectAll and
// PortalSessionDisconnect.
type DisconnectPayload struct {
	Reason string `msgpack:"reason,omitempty"`
}

// ShutdownPayload accompanies ServerShutdown. Restart tells the portal to
// expect the server back shortly and reconnect on the fast schedule; when
// false the portal stops reconnecting entirely.
type ShutdownPayload struct {
	Restart bool `msgpack:"restart"`
}

// Admin field names.
const (
	fieldOperation = "operation"
	fieldData      = "data"
)

// AdminFields encodes an admin operation and its payload into message
// fields. The payload is any msgpack-serializable value.
func AdminFields(op AdminOp, payload any) (map[string][]byte, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload failed", op)
	}
	return map[string][]byte{
		fieldOperation: {byte(op)},
		fieldData:      data,
	}, nil
}

// ParseAdminFields decodes the operation tag and returns the raw payload
// bytes for the dispatch site to unmarshal into the op-specific type.
func ParseAdminFields(fields map[string][]byte) (AdminOp, []byte, error) {
	raw, ok := fields[fieldOperation]
	if !ok || len(raw) != 1 {
		return adminOpInvalid, nil, errors.New("missing admin operation tag")
	}
	op := AdminOp(raw[0])
	if _, ok := adminOpNames[op]; !ok {
		return adminOpInvalid, nil, errors.Errorf("unknown admin operation %d", raw[0])
	}
	return op, fields[fieldData], nil
}
