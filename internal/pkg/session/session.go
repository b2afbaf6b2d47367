package session

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// LoginState tracks whether a session has authenticated against an account.
type LoginState uint8

const (
	LoginStateAnonymous LoginState = iota
	LoginStateAuthenticated
)

func (s LoginState) String() string {
	if s == LoginStateAuthenticated {
		return "AUTHENTICATED"
	}
	return "ANONYMOUS"
}

// Session is one live client connection as both sides track it. The portal
// owns the real socket; the server owns the bound account. The Account
// field is an opaque identifier on the portal side.
type Session struct {
	ID            uint32
	Address       string
	ProtocolFlags map[string]any
	LoginState    LoginState
	Account       string
}

// Attrs is the serializable form of a session used in connect and sync
// payloads.
type Attrs struct {
	Address       string         `msgpack:"address"`
	ProtocolFlags map[string]any `msgpack:"protocol_flags,omitempty"`
	Authenticated bool           `msgpack:"authenticated"`
	Account       string         `msgpack:"account,omitempty"`
}

// Snapshot captures the session's transferable attributes.
func (s Session) Snapshot() Attrs {
	return Attrs{
		Address:       s.Address,
		ProtocolFlags: s.ProtocolFlags,
		Authenticated: s.LoginState == LoginStateAuthenticated,
		Account:       s.Account,
	}
}

// FromAttrs builds a session from its transferred attributes.
func FromAttrs(id uint32, attrs Attrs) Session {
	sess := Session{
		ID:            id,
		Address:       attrs.Address,
		ProtocolFlags: attrs.ProtocolFlags,
		Account:       attrs.Account,
	}
	if attrs.Authenticated {
		sess.LoginState = LoginStateAuthenticated
	}
	return sess
}

// SyncMap is the payload of the full and incremental sync operations.
type SyncMap map[uint32]Attrs

// Encode serializes the sync map for an admin payload.
func (m SyncMap) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(m)
	return b, errors.Wrap(err, "marshal sync map failed")
}

// DecodeSyncMap deserializes a sync payload.
func DecodeSyncMap(raw []byte) (SyncMap, error) {
	m := make(SyncMap)
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal sync map failed")
	}
	return m, nil
}

// Store holds the sessions a registry knows about.
type Store interface {
	New(sess Session) error
	Get(id uint32) (Session, error)
	Set(sess Session) error
	Delete(id uint32) error
	All() []Session
	Clear()
}

// MemoryStore is the in-memory Store used by both registries.
type MemoryStore struct {
	sessions map[uint32]Session
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uint32]Session),
	}
}

func (p *MemoryStore) New(sess Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[sess.ID]; ok {
		return ErrSessionAlreadyExists
	}
	p.sessions[sess.ID] = sess
	return nil
}

func (p *MemoryStore) Get(id uint32) (Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sess, ok := p.sessions[id]; ok {
		return sess, nil
	}
	return Session{}, ErrSessionNotFound
}

func (p *MemoryStore) Set(sess Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	p.sessions[sess.ID] = sess
	return nil
}

func (p *MemoryStore) Delete(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(p.sessions, id)
	return nil
}

func (p *MemoryStore) All() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	all := make([]Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		all = append(all, sess)
	}
	return all
}

func (p *MemoryStore) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[uint32]Session)
}
