// Package funcall implements the generic remote-invocation escape hatch:
// either side may invoke a named function registered in the other process
// and await its serialized return value. Remote errors come back as a
// RemoteCallError to the awaiting caller; they never surface inside the
// link's own read loop.
package funcall

import (
	"context"
	"sync"

	"relay/internal/pkg/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Call message field names.
const (
	fieldCallID   = "callid"
	fieldModule   = "module"
	fieldFunction = "function"
	fieldArgs     = "args"
	fieldKwargs   = "kwargs"
	fieldResult   = "result"
	fieldError    = "error"
)

// Sender abstracts the link's send surface.
type Sender interface {
	Send(command string, sessionID uint32, fields map[string][]byte) error
}

// Func is a callable exposed to the remote side.
type Func func(args []any, kwargs map[string]any) (any, error)

// RemoteCallError carries a remote function's failure back to the caller.
type RemoteCallError struct {
	Message string
}

func (e *RemoteCallError) Error() string {
	return "remote call failed: " + e.Message
}

type callResult struct {
	value any
	err   error
}

// Registry dispatches inbound calls to locally registered functions and
// correlates outbound calls with their replies.
type Registry struct {
	mu      sync.Mutex
	funcs   map[string]Func
	pending map[string]chan callResult
	sender  Sender
}

// NewRegistry creates an empty call registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:   make(map[string]Func),
		pending: make(map[string]chan callResult),
	}
}

// SetSender installs the link used to transmit calls and replies.
func (r *Registry) SetSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

// Register exposes fn to the remote side under module.function.
func (r *Registry) Register(module, function string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[module+"."+function] = fn
}

// Call invokes module.function in the remote process and awaits its result.
func (r *Registry) Call(ctx context.Context, module, function string, args []any, kwargs map[string]any) (any, error) {
	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		return nil, errors.New("no link attached")
	}

	rawArgs, err := msgpack.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "marshal call args failed")
	}
	rawKwargs, err := msgpack.Marshal(kwargs)
	if err != nil {
		return nil, errors.Wrap(err, "marshal call kwargs failed")
	}

	id := uuid.NewString()
	ch := make(chan callResult, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	err = sender.Send(wire.CmdFunctionCall, 0, map[string][]byte{
		fieldCallID:   []byte(id),
		fieldModule:   []byte(module),
		fieldFunction: []byte(function),
		fieldArgs:     rawArgs,
		fieldKwargs:   rawKwargs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "send call failed")
	}

	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "await call result failed")
	case res := <-ch:
		return res.value, res.err
	}
}

// HandleCall executes an inbound call and transmits the reply. Execution
// happens on a fresh goroutine so a slow function never stalls the link's
// read loop.
func (r *Registry) HandleCall(fields map[string][]byte) {
	id := string(fields[fieldCallID])
	name := string(fields[fieldModule]) + "." + string(fields[fieldFunction])
	r.mu.Lock()
	fn, ok := r.funcs[name]
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		return
	}
	go func() {
		reply := map[string][]byte{fieldCallID: []byte(id)}
		if !ok {
			reply[fieldError] = []byte("unknown function " + name)
		} else if value, err := invoke(fn, fields); err != nil {
			reply[fieldError] = []byte(err.Error())
		} else if raw, err := msgpack.Marshal(value); err != nil {
			reply[fieldError] = []byte(err.Error())
		} else {
			reply[fieldResult] = raw
		}
		if err := sender.Send(wire.CmdFunctionReply, 0, reply); err != nil {
			logger.WithError(err).WithField("function", name).Debug("drop call reply, link down")
		}
	}()
}

func invoke(fn Func, fields map[string][]byte) (any, error) {
	var args []any
	if raw := fields[fieldArgs]; len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, &args); err != nil {
			return nil, errors.Wrap(err, "unmarshal call args failed")
		}
	}
	var kwargs map[string]any
	if raw := fields[fieldKwargs]; len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, &kwargs); err != nil {
			return nil, errors.Wrap(err, "unmarshal call kwargs failed")
		}
	}
	return fn(args, kwargs)
}

// HandleReply resolves the awaiting caller for an inbound reply. Replies
// for unknown call ids are dropped; the caller may have timed out.
func (r *Registry) HandleReply(fields map[string][]byte) {
	id := string(fields[fieldCallID])
	r.mu.Lock()
	ch, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if msg, failed := fields[fieldError]; failed {
		ch <- callResult{err: &RemoteCallError{Message: string(msg)}}
		return
	}
	var value any
	if raw := fields[fieldResult]; len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, &value); err != nil {
			ch <- callResult{err: errors.Wrap(err, "unmarshal call result failed")}
			return
		}
	}
	ch <- callResult{value: value}
}
