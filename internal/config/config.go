// Package config handles loading and validating proxy configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmcache proxy.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Cache    CacheConfig    `koanf:"cache"`
	Verbose  bool           `koanf:"verbose"`
}

// ServerConfig holds HTTP server settings. WriteTimeout defaults higher than
// the upstream timeout — the whole upstream call happens inside the response
// window, so a shorter write timeout would cut off slow generations.
type ServerConfig struct {
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	ReadTimeout   time.Duration `koanf:"read_timeout"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

// UpstreamConfig points at the backend inference server.
type UpstreamConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// CacheConfig holds cache persistence settings. Dir is where the journal
// lives; Overwrite discards any existing journal at startup instead of
// loading it.
type CacheConfig struct {
	Dir       string `koanf:"dir"`
	Overwrite bool   `koanf:"overwrite"`
}

// Load reads configuration from a YAML file (optional — defaults apply when
// it doesn't exist), layers environment variable overrides on top, fills in
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	// The config file is optional: running with nothing but
	// LLMCACHE_UPSTREAM_URL set is a supported setup.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMCACHE_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LLMCACHE_UPSTREAM_URL -> upstream.url
	//   LLMCACHE_SERVER_PORT  -> server.port
	if err := k.Load(env.Provider("LLMCACHE_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMCACHE_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills in every unset field. The cache directory defaults to
// a hidden directory under the user's home, matching where the journal is
// expected to survive restarts.
func (c *Config) applyDefaults() error {
	if c.Server.Port == 0 {
		c.Server.Port = 30001
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 300 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Upstream timeout plus headroom for cache work and response
		// serialization.
		c.Server.WriteTimeout = c.Upstream.Timeout + 30*time.Second
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}
	if c.Cache.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory for cache dir: %w", err)
		}
		c.Cache.Dir = filepath.Join(home, ".llmcache")
	}
	return nil
}

// validate rejects configurations the proxy can't run with.
func (c *Config) validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required (set it in the config file or via LLMCACHE_UPSTREAM_URL)")
	}
	// Normalize so URL joining elsewhere can just use %s/path.
	c.Upstream.URL = strings.TrimRight(c.Upstream.URL, "/")
	return nil
}
