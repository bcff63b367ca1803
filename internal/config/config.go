// Package config holds the client settings of the shuffle reader.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultOpenStreamPoolSize = 8
	DefaultOpenStreamTimeout  = 30 * time.Second
	DefaultFetchTimeout       = 2 * time.Minute
	DefaultSortMemoryLimit    = 64 << 20
	DefaultRefreshInterval    = 30 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the yaml-loadable reader configuration.
type Config struct {
	MetadataURL string `yaml:"metadata_url"`

	OpenStreamPoolSize int           `yaml:"open_stream_pool_size"`
	OpenStreamTimeout  time.Duration `yaml:"open_stream_timeout"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`

	LocalReadEnabled  bool `yaml:"local_read_enabled"`
	StageRerunEnabled bool `yaml:"stage_rerun_enabled"`

	SpillDir        string `yaml:"spill_dir"`
	SortMemoryLimit int64  `yaml:"sort_memory_limit"`

	// LocationCachePath enables a bbolt file group cache when set.
	LocationCachePath string `yaml:"location_cache_path"`

	DynamicConfig DynamicConfig `yaml:"dynamic_config"`

	Tenants map[string]TenantConfig `yaml:"tenants,omitempty"`
}

// DynamicConfig controls periodic reloading of the config file.
type DynamicConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Path            string        `yaml:"path"`
}

// TenantConfig overrides a subset of settings for one tenant. Zero values
// fall back to the global setting.
type TenantConfig struct {
	OpenStreamTimeout time.Duration `yaml:"open_stream_timeout"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	StageRerunEnabled *bool         `yaml:"stage_rerun_enabled,omitempty"`
	LocalReadEnabled  *bool         `yaml:"local_read_enabled,omitempty"`
}

// Default returns a config with every default filled in.
func Default() Config {
	return Config{
		OpenStreamPoolSize: DefaultOpenStreamPoolSize,
		OpenStreamTimeout:  DefaultOpenStreamTimeout,
		FetchTimeout:       DefaultFetchTimeout,
		StageRerunEnabled:  true,
		SpillDir:           os.TempDir(),
		SortMemoryLimit:    DefaultSortMemoryLimit,
		DynamicConfig: DynamicConfig{
			RefreshInterval: DefaultRefreshInterval,
		},
	}
}

// Load reads a yaml file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes yaml on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.OpenStreamPoolSize <= 0:
		return fmt.Errorf("%w: open_stream_pool_size must be positive", ErrInvalidConfig)
	case c.OpenStreamTimeout <= 0:
		return fmt.Errorf("%w: open_stream_timeout must be positive", ErrInvalidConfig)
	case c.FetchTimeout < 0:
		return fmt.Errorf("%w: fetch_timeout must not be negative", ErrInvalidConfig)
	case c.SortMemoryLimit <= 0:
		return fmt.Errorf("%w: sort_memory_limit must be positive", ErrInvalidConfig)
	case c.DynamicConfig.Enabled && c.DynamicConfig.Path == "":
		return fmt.Errorf("%w: dynamic_config.path is required when enabled", ErrInvalidConfig)
	case c.DynamicConfig.Enabled && c.DynamicConfig.RefreshInterval <= 0:
		return fmt.Errorf("%w: dynamic_config.refresh_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// ForTenant returns c with the tenant's overrides applied.
func (c Config) ForTenant(id string) Config {
	t, ok := c.Tenants[id]
	if !ok {
		return c
	}
	if t.OpenStreamTimeout > 0 {
		c.OpenStreamTimeout = t.OpenStreamTimeout
	}
	if t.FetchTimeout > 0 {
		c.FetchTimeout = t.FetchTimeout
	}
	if t.StageRerunEnabled != nil {
		c.StageRerunEnabled = *t.StageRerunEnabled
	}
	if t.LocalReadEnabled != nil {
		c.LocalReadEnabled = *t.LocalReadEnabled
	}
	return c
}
