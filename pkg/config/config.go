package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// DefaultConfigFile is the config file name used by the CLI.
const DefaultConfigFile = "froyo-ipam.yaml"

// Default returns the service defaults: a SQLite store in the working
// directory, unbounded conflict retries and the built-in policies.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "froyo-ipam.db",
		},
		Runtime: RuntimeConfig{
			MaxConcurrency:    64,
			TaskTTL:           24 * time.Hour,
			PurgeInterval:     10 * time.Minute,
			AwaitPollInterval: time.Second,
			HandlerLease:      5 * time.Minute,
			ResumeOnStart:     true,
		},
		Allocator: AllocatorConfig{
			MaxRetryDuration:    0,
			ConflictBackoffBase: 2 * time.Millisecond,
			ConflictBackoffMax:  250 * time.Millisecond,
			ReleaseRetention:    time.Hour,
			ReclaimInterval:     5 * time.Minute,
			FanOutLimit:         8,
		},
		Policy: PolicyConfig{
			Enabled:                true,
			MaxAddressesPerRequest: 1024,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML config file on top of the defaults. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML from r on top of the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// Write stores the config as YAML at path.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	if c.Store.Driver == "sqlite" {
		c.Store.Path = resolve(c.Store.Path)
	}
	for i := range c.Inventory {
		c.Inventory[i] = resolve(c.Inventory[i])
	}
	for i := range c.Policy.Paths {
		c.Policy.Paths[i] = resolve(c.Policy.Paths[i])
	}
}
