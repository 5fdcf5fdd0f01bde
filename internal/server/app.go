package server

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/baucua/internal/dice"
	"github.com/lox/baucua/internal/lobby"
	"github.com/lox/baucua/internal/round"
	"github.com/lox/baucua/internal/store"
)

// Options carries the pieces Build does not derive from config.
type Options struct {
	Clock quartz.Clock
	// Seed fixes the dice for reproducible games. Zero keys them from crypto/rand.
	Seed int64
	// Store overrides the configured storage.
	Store store.Store
}

// Build wires the store, event broker, lobby and round engine behind a
// server. The returned close func releases the store.
func Build(ctx context.Context, cfg *Config, opts Options, logger *log.Logger) (*Server, func() error, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	shake, err := cfg.ShakeDelay()
	if err != nil {
		return nil, nil, err
	}

	base := opts.Store
	if base == nil {
		base, err = OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
		}
	}

	broker := store.NewBroker(logger)
	st := store.WithEvents(base, broker)

	roller := dice.NewSecureRoller()
	if opts.Seed != 0 {
		roller = dice.NewSeededRoller(opts.Seed)
	}

	lb := lobby.New(st, opts.Clock, nil, cfg.Lobby(), logger)
	engine := round.NewEngine(st, opts.Clock, roller, shake, logger)
	srv := NewServer(cfg.GetServerAddress(), lb, engine, broker, opts.Clock, logger)
	return srv, base.Close, nil
}
