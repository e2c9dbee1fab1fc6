// Package config loads and watches the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netplane-io/linkd/pkg/device"
	"github.com/netplane-io/linkd/pkg/profile"
	"github.com/netplane-io/linkd/pkg/secrets"
)

// Defaults are per-device option defaults applied to every activation
// unless a future per-profile override says otherwise.
type Defaults struct {
	AssocTimeout time.Duration `yaml:"assoc_timeout"`
	AuthRetries  int           `yaml:"auth_retries"`
	DHCPTimeout  time.Duration `yaml:"dhcp_timeout"`
	ProbeGateway bool          `yaml:"probe_gateway"`
}

// Options converts the yaml defaults into device options.
func (d Defaults) Options() device.Options {
	return device.Options{
		AssocTimeout: d.AssocTimeout,
		AuthRetries:  d.AuthRetries,
		DHCPTimeout:  d.DHCPTimeout,
		ProbeGateway: d.ProbeGateway,
	}
}

// Config is the daemon configuration file.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	APIAddr     string `yaml:"api_addr"`

	Defaults Defaults `yaml:"defaults"`

	// Profiles are connection profiles the daemon can activate, keyed by
	// profile name via the API or auto-activated at startup when
	// Autoconnect lists them.
	Profiles    []profile.Profile `yaml:"profiles"`
	Autoconnect []string          `yaml:"autoconnect"`

	// Secrets maps profile names to secret tables served by the static
	// secret agent. Kept out of the profile structs so the profiles can
	// be logged and exposed over the API without leaking credentials.
	Secrets map[string]map[string]string `yaml:"secrets"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		APIAddr:     ":8080",
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	seen := make(map[string]struct{}, len(c.Profiles))
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	for _, name := range c.Autoconnect {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("autoconnect references unknown profile %q", name)
		}
	}
	return nil
}

// Profile looks up a profile by name.
func (c *Config) Profile(name string) (*profile.Profile, bool) {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i], true
		}
	}
	return nil, false
}

// SecretEntries converts the yaml secrets tables into the form the static
// secret agent consumes.
func (c *Config) SecretEntries() map[string]secrets.Secrets {
	out := make(map[string]secrets.Secrets, len(c.Secrets))
	for name, table := range c.Secrets {
		s := make(secrets.Secrets, len(table))
		for k, v := range table {
			s[k] = v
		}
		out[name] = s
	}
	return out
}
