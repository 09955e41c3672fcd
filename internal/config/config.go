// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/dmilligan/autospread/internal/models"
)

const (
	// defaultPollInterval is used when signals.poll_interval is unset.
	defaultPollInterval = 30 * time.Second
	// defaultSnapshotInterval is used when risk.snapshot_interval is unset.
	defaultSnapshotInterval = time.Minute
	// defaultBrokerTimeout is used when broker.timeout is unset.
	defaultBrokerTimeout = 10 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Signals     SignalsConfig     `yaml:"signals"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	API         APIConfig         `yaml:"api"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // empty disables file logging
}

// BrokerConfig defines broker API and OAuth settings.
type BrokerConfig struct {
	APIEndpoint  string `yaml:"api_endpoint"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	AccountID    string `yaml:"account_id"`
	// UserAgent is the fixed client-identification header; the broker's
	// edge proxy rejects requests without it.
	UserAgent string `yaml:"user_agent"`
	Timeout   string `yaml:"timeout"`
}

// SignalsConfig defines the signal source transports.
type SignalsConfig struct {
	WebsocketURL string   `yaml:"websocket_url"`
	PollURL      string   `yaml:"poll_url"`
	Channels     []string `yaml:"channels"`
	PollInterval string   `yaml:"poll_interval"`
	Buffer       int      `yaml:"buffer"`
}

// RiskConfig defines the risk gate parameters.
type RiskConfig struct {
	Level            models.RiskLevel     `yaml:"level"`
	SnapshotInterval string               `yaml:"snapshot_interval"`
	Profiles         []models.RiskProfile `yaml:"profiles"`
}

// StorageConfig defines the signal journal location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the status API listener.
type APIConfig struct {
	Listen string `yaml:"listen"` // e.g. ":8080"; empty disables the API
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIEndpoint == "" {
		return fmt.Errorf("broker.api_endpoint is required")
	}
	if c.Broker.TokenURL == "" {
		return fmt.Errorf("broker.token_url is required")
	}
	if c.Broker.ClientID == "" {
		return fmt.Errorf("broker.client_id is required")
	}
	if c.Broker.RefreshToken == "" {
		return fmt.Errorf("broker.refresh_token is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.UserAgent == "" {
		return fmt.Errorf("broker.user_agent is required")
	}
	if c.Broker.Timeout != "" {
		if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
			return fmt.Errorf("broker.timeout invalid: %w", err)
		}
	}

	if c.Signals.WebsocketURL == "" && c.Signals.PollURL == "" {
		return fmt.Errorf("signals requires at least one of websocket_url or poll_url")
	}
	if c.Signals.PollInterval != "" {
		if _, err := time.ParseDuration(c.Signals.PollInterval); err != nil {
			return fmt.Errorf("signals.poll_interval invalid: %w", err)
		}
	}
	if c.Signals.Buffer < 0 {
		return fmt.Errorf("signals.buffer must be >= 0")
	}

	switch c.Risk.Level {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
	case "":
		c.Risk.Level = models.RiskLow
	default:
		return fmt.Errorf("risk.level must be low, medium, or high")
	}
	if c.Risk.SnapshotInterval != "" {
		if _, err := time.ParseDuration(c.Risk.SnapshotInterval); err != nil {
			return fmt.Errorf("risk.snapshot_interval invalid: %w", err)
		}
	}
	for i := range c.Risk.Profiles {
		if c.Risk.Profiles[i].Level == "" {
			c.Risk.Profiles[i].Level = c.Risk.Level
		}
		if err := c.Risk.Profiles[i].Validate(); err != nil {
			return err
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// PollInterval returns the configured signal poll interval.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Signals.PollInterval)
	if err != nil || d <= 0 {
		return defaultPollInterval
	}
	return d
}

// SnapshotInterval returns the account snapshot refresh interval.
func (c *Config) SnapshotInterval() time.Duration {
	d, err := time.ParseDuration(c.Risk.SnapshotInterval)
	if err != nil || d <= 0 {
		return defaultSnapshotInterval
	}
	return d
}

// BrokerTimeout returns the per-request broker HTTP timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil || d <= 0 {
		return defaultBrokerTimeout
	}
	return d
}

// Profiles returns the defaults for the configured level overlaid with any
// per-strategy overrides from the config file.
func (c *Config) Profiles() map[models.StrategyTag]models.RiskProfile {
	profiles := models.DefaultProfiles(c.Risk.Level)
	for _, p := range c.Risk.Profiles {
		profiles[p.Strategy] = p
	}
	return profiles
}
