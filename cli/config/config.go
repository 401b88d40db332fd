// Package config handles CLI configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the CLI configuration. It implements the gateway's
// Settings port, so the YAML file is the single tuning surface.
type Config struct {
	// TemplatesDir is where provider templates and user configs live.
	// Empty means DefaultTemplatesDir.
	TemplatesDir string `yaml:"templates_dir"`

	DefaultProvider string `yaml:"default_provider"`

	// EmbeddingProvider overrides DefaultProvider for embedding calls.
	EmbeddingProvider string `yaml:"embedding_provider"`

	// EmbeddingOn and CacheOn default to true when absent from the file.
	EmbeddingOn *bool `yaml:"embedding_enabled"`
	CacheOn     *bool `yaml:"cache_enabled"`

	TimeoutSeconds int `yaml:"request_timeout_seconds"`
	CacheTTL       int `yaml:"cache_ttl_seconds"`
	CacheEntries   int `yaml:"cache_size"`
	Retries        int `yaml:"max_retries"`
}

// ActiveChatProviderID implements gateway.Settings.
func (c *Config) ActiveChatProviderID() string { return c.DefaultProvider }

// ActiveEmbeddingProviderID implements gateway.Settings.
func (c *Config) ActiveEmbeddingProviderID() string {
	if c.EmbeddingProvider != "" {
		return c.EmbeddingProvider
	}
	return c.DefaultProvider
}

// EmbeddingEnabled implements gateway.Settings.
func (c *Config) EmbeddingEnabled() bool { return c.EmbeddingOn == nil || *c.EmbeddingOn }

// CacheEnabled implements gateway.Settings.
func (c *Config) CacheEnabled() bool { return c.CacheOn == nil || *c.CacheOn }

// RequestTimeoutSeconds implements gateway.Settings.
func (c *Config) RequestTimeoutSeconds() int { return c.TimeoutSeconds }

// CacheTTLSeconds implements gateway.Settings.
func (c *Config) CacheTTLSeconds() int { return c.CacheTTL }

// CacheSize implements gateway.Settings.
func (c *Config) CacheSize() int { return c.CacheEntries }

// MaxRetries implements gateway.Settings.
func (c *Config) MaxRetries() int { return c.Retries }

func homeDir() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("USERPROFILE")
	}
	return os.Getenv("HOME")
}

// DefaultConfigPath returns the default configuration file path:
// ~/.relay/config.yaml, or ./config.yaml when no home is known.
func DefaultConfigPath() string {
	home := homeDir()
	if home == "" {
		return "config.yaml"
	}
	return filepath.Join(home, ".relay", "config.yaml")
}

// DefaultTemplatesDir returns the default provider template directory:
// ~/.relay/providers.
func DefaultTemplatesDir() string {
	home := homeDir()
	if home == "" {
		return "providers"
	}
	return filepath.Join(home, ".relay", "providers")
}

// LoadConfig loads configuration from the specified path. A missing file is
// not an error; it yields a usable default config. Negative retry counts are
// normalized so "unset" and "0 retries" stay distinguishable for the gateway.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Retries: -1}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvedTemplatesDir returns the configured template directory or the
// platform default.
func (c *Config) ResolvedTemplatesDir() string {
	if c.TemplatesDir != "" {
		return c.TemplatesDir
	}
	return DefaultTemplatesDir()
}
