// Package cfg implements functionality to configure an app.
//
// The configuration objects defined here need only be implemented once,
// but can be applied to multiple types.
//
// In order to add support for a new type, the configuration
// need only implement an ApplyX method.
package cfg

import (
	"relay/internal"
	"relay/internal/app/apps"
)

// AddrCfg is configuration for the relay's listen and link addresses.
type AddrCfg struct {
	linkAddr   string
	listenAddr string
}

// NewAddrCfg creates a new AddrCfg from the given addresses.
func NewAddrCfg(linkAddr, listenAddr string) *AddrCfg {
	return &AddrCfg{
		linkAddr:   linkAddr,
		listenAddr: listenAddr,
	}
}

// AddrFromEnv creates a new AddrCfg from the current environment.
func AddrFromEnv() *AddrCfg {
	return &AddrCfg{
		linkAddr:   internal.LinkAddr,
		listenAddr: internal.ListenAddr,
	}
}

// ApplyPortalApp applies the AddrCfg to a PortalApp.
func (cfg AddrCfg) ApplyPortalApp(app *apps.PortalApp) error {
	app.LinkAddr = cfg.linkAddr
	app.ListenAddr = cfg.listenAddr
	return nil
}

// ApplyServerApp applies the AddrCfg to a ServerApp.
func (cfg AddrCfg) ApplyServerApp(app *apps.ServerApp) error {
	app.LinkAddr = cfg.linkAddr
	return nil
}
