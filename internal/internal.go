// Package internal holds the process environment: every tunable is a
// Flag that binds a CLI flag and an environment variable, validated once
// at startup into package globals.
package internal

import (
	"relay/internal/pkg/validate"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag couples a CLI flag with its environment variable and default.
type Flag struct {
	Name    string
	Env     string
	Default string
	Usage   string
}

// Flag definitions.
var (
	EnvFlag = Flag{
		Name:    "env",
		Env:     "RELAY_ENV",
		Default: "development",
		Usage:   "deployment environment (development|production)",
	}
	LogLevelFlag = Flag{
		Name:    "log-level",
		Env:     "RELAY_LOG_LEVEL",
		Default: "info",
		Usage:   "log level (trace|debug|info|warn|error)",
	}
	LinkAddrFlag = Flag{
		Name:    "link-addr",
		Env:     "RELAY_LINK_ADDR",
		Default: "localhost:4001",
		Usage:   "address of the portal<->server link (server listens, portal dials)",
	}
	ListenAddrFlag = Flag{
		Name:    "listen-addr",
		Env:     "RELAY_LISTEN_ADDR",
		Default: ":4000",
		Usage:   "address the portal serves clients on",
	}
)

// Validated environment values, populated by ValidateEnv.
var (
	Env        string
	LogLevel   string
	LinkAddr   string
	ListenAddr string
)

// RegisterCommandFlags registers the flags on the command and binds their
// environment variables.
func RegisterCommandFlags(cmd *cobra.Command, flags []*Flag) error {
	for _, f := range flags {
		cmd.PersistentFlags().String(f.Name, f.Default, f.Usage)
		if err := viper.BindPFlag(f.Name, cmd.PersistentFlags().Lookup(f.Name)); err != nil {
			return errors.Wrapf(err, "bind flag %s failed", f.Name)
		}
		if err := viper.BindEnv(f.Name, f.Env); err != nil {
			return errors.Wrapf(err, "bind env %s failed", f.Env)
		}
	}
	return nil
}

type envConfig struct {
	Env        string `validate:"required,oneof=development production"`
	LogLevel   string `validate:"required,oneof=trace debug info warn error"`
	LinkAddr   string `validate:"required"`
	ListenAddr string `validate:"required"`
}

// ValidateEnv resolves and validates the environment into the package
// globals.
func ValidateEnv() error {
	cfg := envConfig{
		Env:        viper.GetString(EnvFlag.Name),
		LogLevel:   viper.GetString(LogLevelFlag.Name),
		LinkAddr:   viper.GetString(LinkAddrFlag.Name),
		ListenAddr: viper.GetString(ListenAddrFlag.Name),
	}
	if err := validate.Validate().Struct(cfg); err != nil {
		return errors.Wrap(err, "validate environment failed")
	}
	Env = cfg.Env
	LogLevel = cfg.LogLevel
	LinkAddr = cfg.LinkAddr
	ListenAddr = cfg.ListenAddr
	return nil
}
