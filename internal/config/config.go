// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tombee/helmsman/pkg/govern"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete Helmsman configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Flows   FlowsConfig   `yaml:"flows"`
	Policy  govern.Policy `yaml:"policy"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is the output format: json or text.
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source,omitempty"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Backend selects the store: sqlite or memory. Default: sqlite.
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database file. Default: <config dir>/helmsman.db.
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging on the SQLite backend. Default: true.
	WAL *bool `yaml:"wal,omitempty"`
}

// FlowsConfig configures where flow definitions are loaded from.
type FlowsConfig struct {
	// Dir is the directory scanned for .yaml/.yml/.json flow documents.
	Dir string `yaml:"dir,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns on the /metrics HTTP listener.
	Enabled bool `yaml:"enabled,omitempty"`

	// Addr is the listen address. Default: 127.0.0.1:9464.
	Addr string `yaml:"addr,omitempty"`
}

// Default returns a Config with every field at its default value.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Backend: "sqlite"},
		Flows: FlowsConfig{Dir: "flows"},
		Policy: func() govern.Policy {
			p := govern.DefaultPolicy()
			return *p
		}(),
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}

// Load reads configuration from the given path. An empty path falls back to
// HELMSMAN_CONFIG, then the XDG config file; a missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HELMSMAN_CONFIG")
	}
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Flows.Dir == "" {
		c.Flows.Dir = "flows"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9464"
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalidConfig, c.Log.Format)
	}

	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: store.backend must be sqlite or memory, got %q", ErrInvalidConfig, c.Store.Backend)
	}

	if c.Policy.MaxSteps < 0 || c.Policy.MaxToolCalls < 0 || c.Policy.MaxTokenBudget < 0 {
		return fmt.Errorf("%w: policy budgets must not be negative", ErrInvalidConfig)
	}
	return nil
}

// StorePath resolves the SQLite database path, defaulting to the config
// directory.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "helmsman.db"), nil
}

// StoreWAL reports whether the SQLite backend should use WAL mode.
func (c *Config) StoreWAL() bool {
	if c.Store.WAL == nil {
		return true
	}
	return *c.Store.WAL
}
