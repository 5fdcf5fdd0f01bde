package server

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/baucua/internal/lobby"
	"github.com/lox/baucua/internal/round"
)

// Config represents the complete server configuration
type Config struct {
	Server  Settings        `hcl:"server,block"`
	Storage StorageSettings `hcl:"storage,block"`
	Game    GameSettings    `hcl:"game,block"`
}

// Settings contains listener and logging configuration
type Settings struct {
	Address  string `hcl:"address,optional"`
	Port     int    `hcl:"port,optional"`
	LogLevel string `hcl:"log_level,optional"`
}

// StorageSettings selects the backing store. For the memory driver a dsn
// names a JSON file the state is loaded from and saved to.
type StorageSettings struct {
	Driver string `hcl:"driver,optional"`
	DSN    string `hcl:"dsn,optional"`
}

// GameSettings tunes rooms and rounds
type GameSettings struct {
	ShakeDelay        string `hcl:"shake_delay,optional"`
	DefaultMaxPlayers int    `hcl:"default_max_players,optional"`
	StartingBalance   int64  `hcl:"starting_balance,optional"`
	CodeAttempts      int    `hcl:"code_attempts,optional"`
}

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	def := lobby.DefaultConfig()
	return &Config{
		Server: Settings{
			Address:  "localhost",
			Port:     8080,
			LogLevel: "info",
		},
		Storage: StorageSettings{
			Driver: StorageMemory,
		},
		Game: GameSettings{
			ShakeDelay:        round.DefaultShakeDelay.String(),
			DefaultMaxPlayers: def.DefaultMaxPlayers,
			StartingBalance:   def.StartingBalance,
			CodeAttempts:      def.CodeAttempts,
		},
	}
}

// LoadConfig loads server configuration from an HCL file. A missing file
// yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config Config
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = def.Server.LogLevel
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Game.ShakeDelay == "" {
		c.Game.ShakeDelay = def.Game.ShakeDelay
	}
	if c.Game.DefaultMaxPlayers == 0 {
		c.Game.DefaultMaxPlayers = def.Game.DefaultMaxPlayers
	}
	if c.Game.StartingBalance == 0 {
		c.Game.StartingBalance = def.Game.StartingBalance
	}
	if c.Game.CodeAttempts == 0 {
		c.Game.CodeAttempts = def.Game.CodeAttempts
	}
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if _, err := log.ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.Server.LogLevel)
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite, StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage %s: dsn is required", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if _, err := c.ShakeDelay(); err != nil {
		return err
	}
	if n := c.Game.DefaultMaxPlayers; n < lobby.MinPlayers || n > lobby.MaxPlayers {
		return fmt.Errorf("default max players must be between %d and %d", lobby.MinPlayers, lobby.MaxPlayers)
	}
	if c.Game.StartingBalance < 0 {
		return fmt.Errorf("starting balance must not be negative")
	}
	if c.Game.CodeAttempts < 1 {
		return fmt.Errorf("code attempts must be positive")
	}
	return nil
}

// ShakeDelay parses the configured shake delay
func (c *Config) ShakeDelay() (time.Duration, error) {
	d, err := time.ParseDuration(c.Game.ShakeDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid shake delay %q: %w", c.Game.ShakeDelay, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("shake delay must be positive")
	}
	return d, nil
}

// Lobby returns the room directory settings
func (c *Config) Lobby() lobby.Config {
	return lobby.Config{
		DefaultMaxPlayers: c.Game.DefaultMaxPlayers,
		CodeAttempts:      c.Game.CodeAttempts,
		StartingBalance:   c.Game.StartingBalance,
	}
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
