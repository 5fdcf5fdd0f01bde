package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/lox/baucua/internal/client"
)

// newLogger builds the process logger at the named level.
func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
	}), nil
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ClientFlags are shared by every command that talks to a server.
type ClientFlags struct {
	Config   string `short:"c" default:"baucua-client.hcl" env:"BAUCUA_CLIENT_CONFIG" help:"Path to HCL client configuration"`
	Server   string `short:"s" env:"BAUCUA_SERVER" help:"Server URL (overrides config)"`
	User     string `short:"u" env:"BAUCUA_USER" help:"User id (overrides config)"`
	LogLevel string `short:"l" env:"BAUCUA_LOG_LEVEL" help:"Log level (overrides config)"`
}

// setup loads the client config and applies flag overrides. anonymous is
// used as the user id when none is configured; empty means one is required.
func (f *ClientFlags) setup(anonymous string) (*client.ClientConfig, *client.Client, *log.Logger, error) {
	cfg, err := client.LoadClientConfig(f.Config)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error loading config: %w", err)
	}

	if f.Server != "" {
		cfg.Server.URL = f.Server
	}
	if f.User != "" {
		cfg.Player.UserID = f.User
	}
	if f.LogLevel != "" {
		cfg.Player.LogLevel = f.LogLevel
	}
	if cfg.Player.UserID == "" {
		cfg.Player.UserID = anonymous
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Player.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := cfg.NewClient(logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, c, logger, nil
}
