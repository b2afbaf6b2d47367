package apps

import (
	"context"
	"strings"

	"relay/internal"
	"relay/internal/pkg/funcall"
	"relay/internal/pkg/link"
	"relay/internal/pkg/server"
	"relay/internal/pkg/session"
	"relay/internal/pkg/validate"

	"github.com/pkg/errors"
)

// ServerAppCfg configures a ServerApp.
type ServerAppCfg interface {
	ApplyServerApp(*ServerApp) error
}

// ServerApp is the game server process: it accepts the portal's link and
// mirrors its sessions.
type ServerApp struct {
	LinkAddr string `validate:"required"`
}

// NewServerApp creates a new ServerApp.
func NewServerApp(cfgs ...ServerAppCfg) (*ServerApp, error) {
	app := &ServerApp{}
	for _, cfg := range cfgs {
		if err := cfg.ApplyServerApp(app); err != nil {
			return nil, errors.Wrap(err, "apply ServerApp cfg failed")
		}
	}
	if app.LinkAddr == "" {
		app.LinkAddr = internal.LinkAddr
	}
	if err := validate.Validate().Struct(app); err != nil {
		return nil, errors.Wrap(err, "validate ServerApp failed")
	}
	return app, nil
}

// Run accepts the portal's link until the context is cancelled.
func (app *ServerApp) Run(ctx context.Context, _ []string) error {
	calls := funcall.NewRegistry()

	var registry *server.Registry
	acceptor, err := link.NewAcceptor(
		link.WithListenAddr(app.LinkAddr),
		link.WithAcceptorRecv(func(msg link.Message) { registry.HandleMessage(msg) }),
	)
	if err != nil {
		return errors.Wrap(err, "create acceptor failed")
	}
	proc := &loginProcessor{}
	registry, err = server.NewRegistry(
		server.WithLink(acceptor),
		server.WithStore(session.NewMemoryStore()),
		server.WithCalls(calls),
		server.WithCommandProcessor(proc),
	)
	if err != nil {
		return errors.Wrap(err, "create server registry failed")
	}
	proc.registry = registry
	calls.SetSender(acceptor)
	calls.Register("sys", "ping", func([]any, map[string]any) (any, error) {
		return "pong", nil
	})

	return errors.Wrap(acceptor.Run(ctx), "run acceptor failed")
}

// loginProcessor is a stand-in for the real game command interpreter,
// wired here so the relay is exercisable end to end: it understands
// "connect <account> <password>" and "quit" and echoes everything else.
type loginProcessor struct {
	registry *server.Registry
}

func (p *loginProcessor) Process(sess session.Session, text *string, _ map[string]any) error {
	if p.registry == nil || text == nil {
		return nil
	}
	words := strings.Fields(*text)
	if len(words) == 3 && words[0] == "connect" {
		return errors.Wrap(p.registry.Login(sess.ID, words[1]), "login failed")
	}
	if len(words) == 1 && words[0] == "quit" {
		p.registry.Disconnect(sess.ID, "Goodbye.")
		return nil
	}
	echo := "You say: " + *text
	p.registry.Send(sess.ID, &echo, nil)
	return nil
}
