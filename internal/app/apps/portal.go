package apps

import (
	"context"

	"relay/internal"
	"relay/internal/pkg/funcall"
	"relay/internal/pkg/link"
	"relay/internal/pkg/portal"
	"relay/internal/pkg/session"
	"relay/internal/pkg/validate"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// PortalAppCfg configures a PortalApp.
type PortalAppCfg interface {
	ApplyPortalApp(*PortalApp) error
}

// PortalApp is the portal process: it owns live client connections and
// the dialing side of the link to the game server.
type PortalApp struct {
	LinkAddr   string `validate:"required"`
	ListenAddr string `validate:"required"`
}

// NewPortalApp creates a new PortalApp.
func NewPortalApp(cfgs ...PortalAppCfg) (*PortalApp, error) {
	app := &PortalApp{}
	for _, cfg := range cfgs {
		if err := cfg.ApplyPortalApp(app); err != nil {
			return nil, errors.Wrap(err, "apply PortalApp cfg failed")
		}
	}
	if app.LinkAddr == "" {
		app.LinkAddr = internal.LinkAddr
	}
	if app.ListenAddr == "" {
		app.ListenAddr = internal.ListenAddr
	}
	if err := validate.Validate().Struct(app); err != nil {
		return nil, errors.Wrap(err, "validate PortalApp failed")
	}
	return app, nil
}

// Run serves clients and maintains the link to the server until the
// context is cancelled.
func (app *PortalApp) Run(ctx context.Context, _ []string) error {
	calls := funcall.NewRegistry()

	// The registry and dialer reference each other: the dialer delivers
	// messages into the registry, the registry sends through the dialer.
	var registry *portal.Registry
	dialer, err := link.NewDialer(
		link.WithAddr(app.LinkAddr),
		link.WithRecv(func(msg link.Message) { registry.HandleMessage(msg) }),
		link.WithOnActive(func() { registry.FullSync() }),
		link.WithOnLost(func() { registry.OnLinkLost() }),
	)
	if err != nil {
		return errors.Wrap(err, "create dialer failed")
	}
	registry, err = portal.NewRegistry(
		portal.WithLink(dialer),
		portal.WithStore(session.NewMemoryStore()),
		portal.WithCalls(calls),
	)
	if err != nil {
		return errors.Wrap(err, "create portal registry failed")
	}
	calls.SetSender(dialer)

	front, err := portal.NewTCPFront(
		portal.WithFrontAddr(app.ListenAddr),
		portal.WithFrontRegistry(registry),
	)
	if err != nil {
		return errors.Wrap(err, "create tcp front failed")
	}

	go func() {
		if err := front.Run(ctx); err != nil {
			logger.WithError(err).Error("client front stopped")
		}
	}()
	return errors.Wrap(dialer.Run(ctx), "run dialer failed")
}
