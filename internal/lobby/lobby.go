// Package lobby is the Room Directory and Membership Manager: it creates,
// lists and joins rooms, tracks who sits in them and who hosts, and moves
// stakes between wallets and membership rows.
package lobby

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/lox/baucua/internal/roomcode"
	"github.com/lox/baucua/internal/store"
)

const (
	MinPlayers = 2
	MaxPlayers = 12
)

// Config holds the directory's tunables.
type Config struct {
	DefaultMaxPlayers int
	CodeAttempts      int
	StartingBalance   int64
}

// DefaultConfig returns a config with the stock table size and wallet seed.
func DefaultConfig() Config {
	return Config{
		DefaultMaxPlayers: 6,
		CodeAttempts:      8,
		StartingBalance:   500000,
	}
}

// Manager serves every room operation that is not part of the round
// lifecycle.
type Manager struct {
	store  store.Store
	clock  quartz.Clock
	codes  *roomcode.Generator
	config Config
	logger *log.Logger
}

// New creates a manager over s. A nil generator draws codes from crypto/rand.
func New(s store.Store, clock quartz.Clock, codes *roomcode.Generator, config Config, logger *log.Logger) *Manager {
	if codes == nil {
		codes = roomcode.NewGenerator(nil)
	}
	if config.DefaultMaxPlayers == 0 {
		config.DefaultMaxPlayers = DefaultConfig().DefaultMaxPlayers
	}
	if config.CodeAttempts <= 0 {
		config.CodeAttempts = DefaultConfig().CodeAttempts
	}
	return &Manager{
		store:  s,
		clock:  clock,
		codes:  codes,
		config: config,
		logger: logger.WithPrefix("lobby"),
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Snapshot reads the room, its members and its active round.
func (m *Manager) Snapshot(ctx context.Context, roomID string) (store.Snapshot, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return store.Snapshot{}, err
	}
	members, err := m.store.Members(ctx, roomID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("list members: %w", err)
	}
	round, err := m.store.ActiveRound(ctx, roomID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("active round: %w", err)
	}
	return store.Snapshot{Room: room, Members: members, Round: round}, nil
}

// Room returns the room with the given id.
func (m *Manager) Room(ctx context.Context, roomID string) (store.Room, error) {
	return m.store.GetRoom(ctx, roomID)
}

// Round returns one round of the room, including rounds no longer active.
func (m *Manager) Round(ctx context.Context, roomID, roundID string) (store.Round, error) {
	r, err := m.store.GetRound(ctx, roundID)
	if err != nil {
		return store.Round{}, err
	}
	if r.RoomID != roomID {
		return store.Round{}, store.ErrRoundNotFound
	}
	return r, nil
}
