// Package config loads the YAML configuration shared by the daemons and the
// command line client. Command line flags override values from the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ruteri/guardian-switch/health"
	"github.com/ruteri/guardian-switch/interfaces"
	"github.com/ruteri/guardian-switch/transport"
	"gopkg.in/yaml.v2"
)

// KDF names accepted for new switches.
const (
	KDFPBKDF2   = "pbkdf2"
	KDFArgon2id = "argon2id"
)

type GuardianConfig struct {
	// KeyFile holds the guardian's hex encoded secret key.
	KeyFile       string        `yaml:"key_file"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type RelayConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// DataDir is the badger directory. Empty keeps events in memory.
	DataDir    string  `yaml:"data_dir"`
	SyncWrites bool    `yaml:"sync_writes"`
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
}

type Config struct {
	// Channels lists channel location URIs. dnstxt:// entries are expanded
	// when the transport is built.
	Channels  []string         `yaml:"channels"`
	DNSServer string           `yaml:"dns_server"`
	KDF       string           `yaml:"kdf"`
	Transport transport.Config `yaml:"transport"`
	Health    health.Config    `yaml:"health"`
	Guardian  GuardianConfig   `yaml:"guardian"`
	Relay     RelayConfig      `yaml:"relay"`
}

// Default returns a configuration with every section at its default.
func Default() *Config {
	return &Config{
		KDF:       KDFPBKDF2,
		Transport: transport.DefaultConfig(),
		Health:    health.DefaultConfig(),
		Guardian: GuardianConfig{
			PollInterval:  time.Minute,
			ProbeInterval: 30 * time.Second,
		},
		Relay: RelayConfig{
			ListenAddr:  "127.0.0.1:7447",
			MetricsAddr: "127.0.0.1:8090",
			RateLimit:   10,
			RateBurst:   50,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section. The channel count is only checked when no
// entry needs discovery.
func (c *Config) Validate() error {
	count := len(c.Channels)
	for _, uri := range c.Channels {
		loc, err := interfaces.NewChannelLocation(uri)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
		}
		if loc.Scheme == "dnstxt" {
			count = max(count, c.Transport.MinChannels)
		}
	}
	if count > 0 {
		if err := c.Transport.Validate(count); err != nil {
			return err
		}
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.KDF) {
	case KDFPBKDF2, KDFArgon2id:
	default:
		return fmt.Errorf("%w: unknown kdf %q", interfaces.ErrConfiguration, c.KDF)
	}
	if c.Guardian.PollInterval <= 0 || c.Guardian.ProbeInterval <= 0 {
		return fmt.Errorf("%w: guardian intervals must be positive", interfaces.ErrConfiguration)
	}
	if c.Relay.RateLimit < 0 || c.Relay.RateBurst < 0 {
		return fmt.Errorf("%w: negative relay rate limit", interfaces.ErrConfiguration)
	}
	return nil
}
