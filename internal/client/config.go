package client

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/baucua/internal/reconcile"
)

// ClientConfig represents the complete client configuration
type ClientConfig struct {
	Server ServerConnection `hcl:"server,block"`
	Sync   SyncSettings     `hcl:"sync,block"`
	Player PlayerSettings   `hcl:"player,block"`
}

// ServerConnection contains server connection settings
type ServerConnection struct {
	URL            string `hcl:"url"`
	RequestTimeout string `hcl:"request_timeout,optional"`
}

// SyncSettings controls how a session keeps its room view fresh
type SyncSettings struct {
	PollInterval     string `hcl:"poll_interval,optional"`
	ResubscribeDelay string `hcl:"resubscribe_delay,optional"`
}

// PlayerSettings contains player-specific settings
type PlayerSettings struct {
	UserID   string `hcl:"user_id"`
	LogLevel string `hcl:"log_level,optional"`
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Server: ServerConnection{
			URL:            "http://localhost:8080",
			RequestTimeout: "10s",
		},
		Sync: SyncSettings{
			PollInterval:     "2s",
			ResubscribeDelay: "1s",
		},
		Player: PlayerSettings{
			LogLevel: "info",
		},
	}
}

// LoadClientConfig loads client configuration from HCL file
func LoadClientConfig(filename string) (*ClientConfig, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultClientConfig(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var config ClientConfig
	diags = gohcl.DecodeBody(file.Body, nil, &config)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	config.applyDefaults()
	return &config, nil
}

func (c *ClientConfig) applyDefaults() {
	defaults := DefaultClientConfig()

	if c.Server.URL == "" {
		c.Server.URL = defaults.Server.URL
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = defaults.Server.RequestTimeout
	}
	if c.Sync.PollInterval == "" {
		c.Sync.PollInterval = defaults.Sync.PollInterval
	}
	if c.Sync.ResubscribeDelay == "" {
		c.Sync.ResubscribeDelay = defaults.Sync.ResubscribeDelay
	}
	if c.Player.LogLevel == "" {
		c.Player.LogLevel = defaults.Player.LogLevel
	}
}

func positiveDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

// Validate validates the client configuration
func (c *ClientConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.Player.UserID == "" {
		return fmt.Errorf("player user_id is required")
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := c.SyncConfig(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Player.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Player.LogLevel)
	}
	return nil
}

// Timeout returns the per-request timeout
func (c *ClientConfig) Timeout() (time.Duration, error) {
	return positiveDuration("request_timeout", c.Server.RequestTimeout)
}

// SyncConfig returns the reconciler timers
func (c *ClientConfig) SyncConfig() (reconcile.Config, error) {
	poll, err := positiveDuration("poll_interval", c.Sync.PollInterval)
	if err != nil {
		return reconcile.Config{}, err
	}
	resub, err := positiveDuration("resubscribe_delay", c.Sync.ResubscribeDelay)
	if err != nil {
		return reconcile.Config{}, err
	}
	cfg := reconcile.DefaultConfig()
	cfg.PollInterval = poll
	cfg.ResubscribeDelay = resub
	return cfg, nil
}

// NewClient builds a client from the configuration
func (c *ClientConfig) NewClient(logger *log.Logger) (*Client, error) {
	timeout, err := c.Timeout()
	if err != nil {
		return nil, err
	}
	return NewClient(c.Server.URL, c.Player.UserID, timeout, logger)
}
