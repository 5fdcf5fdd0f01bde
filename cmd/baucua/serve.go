package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/lox/baucua/internal/server"
)

// ServeCmd runs the room server
type ServeCmd struct {
	Config   string `short:"c" default:"baucua.hcl" env:"BAUCUA_CONFIG" help:"Path to HCL configuration file"`
	Addr     string `short:"a" env:"BAUCUA_ADDR" help:"Address to listen on as host:port (overrides config)"`
	LogLevel string `short:"l" env:"BAUCUA_LOG_LEVEL" help:"Log level (overrides config)"`
	Storage  string `env:"BAUCUA_STORAGE" help:"Storage driver: memory, sqlite or postgres (overrides config)"`
	DSN      string `env:"BAUCUA_DSN" help:"Storage DSN (overrides config)"`
	Seed     int64  `help:"Deterministic dice seed (0 keys the dice from crypto/rand)"`
}

func (c *ServeCmd) Run() error {
	cfg, err := server.LoadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	// Apply command line overrides
	if c.Addr != "" {
		host, port, err := net.SplitHostPort(c.Addr)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", c.Addr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		cfg.Server.Address = host
		cfg.Server.Port = p
	}
	if c.LogLevel != "" {
		cfg.Server.LogLevel = c.LogLevel
	}
	if c.Storage != "" {
		cfg.Storage.Driver = c.Storage
	}
	if c.DSN != "" {
		cfg.Storage.DSN = c.DSN
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv, closeStore, err := server.Build(ctx, cfg, server.Options{Seed: c.Seed}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	logger.Info("Starting Bau Cua server",
		"addr", cfg.GetServerAddress(),
		"storage", cfg.Storage.Driver,
		"shake_delay", cfg.Game.ShakeDelay,
		"starting_balance", cfg.Game.StartingBalance)

	return srv.Run(ctx)
}
