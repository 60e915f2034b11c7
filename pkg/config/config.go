package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pario-ai/callopt/pkg/compress"
	"github.com/pario-ai/callopt/pkg/models"
	"github.com/pario-ai/callopt/pkg/router"
)

// EnvPrefix marks environment variables that override file settings.
// A double underscore separates nested keys: CALLOPT_CACHE__MAX_SIZE.
const EnvPrefix = "CALLOPT_"

// Config holds all callopt configuration.
type Config struct {
	Listen      string             `yaml:"listen"`
	DBPath      string             `yaml:"db_path"`
	Logging     LoggingConfig      `yaml:"logging"`
	Cache       CacheConfig        `yaml:"cache"`
	Router      router.Tables      `yaml:"router"`
	Compression CompressionConfig  `yaml:"compression"`
	Optimizer   OptimizerConfig    `yaml:"optimizer"`
	Server      ServerConfig       `yaml:"server"`
	Providers   []ProviderConfig   `yaml:"providers"`
	Audit       models.AuditConfig `yaml:"audit"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CacheConfig controls the in-memory result cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
	// TTL is the default entry lifetime.
	TTL time.Duration `yaml:"ttl"`
	// CompressThreshold is the value size in bytes above which entries are
	// stored zstd-encoded. Zero disables compaction.
	CompressThreshold int           `yaml:"compress_threshold"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	Namespace         string        `yaml:"namespace"`
	Version           string        `yaml:"version"`
}

// CompressionConfig controls prompt compression.
type CompressionConfig struct {
	Enabled          bool     `yaml:"enabled"`
	MaxContextLength int      `yaml:"max_context_length"`
	Keywords         int      `yaml:"keywords"`
	MinWordLength    int      `yaml:"min_word_length"`
	DropFields       []string `yaml:"drop_fields"`
	MaxFieldLength   int      `yaml:"max_field_length"`
}

// CompressorOptions returns the settings for compress.New.
func (c CompressionConfig) CompressorOptions() compress.Options {
	return compress.Options{
		Keywords:       c.Keywords,
		MinWordLength:  c.MinWordLength,
		DropFields:     c.DropFields,
		MaxFieldLength: c.MaxFieldLength,
	}
}

// OptimizerConfig controls call orchestration.
type OptimizerConfig struct {
	// SingleFlight shares one generation between concurrent identical misses.
	SingleFlight bool `yaml:"single_flight"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	// APIKeys, when set, are the only bearer tokens the API accepts.
	APIKeys []string `yaml:"api_keys"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name             string   `yaml:"name"`
	Type             string   `yaml:"type"`
	URL              string   `yaml:"url"`
	APIKey           string   `yaml:"api_key"`
	Models           []string `yaml:"models"`
	AnthropicVersion string   `yaml:"anthropic_version"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	def := compress.DefaultOptions()
	return &Config{
		Listen: ":8080",
		DBPath: "callopt.db",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Enabled:           true,
			MaxSize:           1000,
			TTL:               time.Hour,
			CompressThreshold: 10 * 1024,
			CleanupInterval:   5 * time.Minute,
			Namespace:         "ai",
			Version:           "v1",
		},
		Router: router.DefaultTables(),
		Compression: CompressionConfig{
			Enabled:          true,
			MaxContextLength: 4000,
			Keywords:         def.Keywords,
			MinWordLength:    def.MinWordLength,
			DropFields:       def.DropFields,
			MaxFieldLength:   def.MaxFieldLength,
		},
		// An empty audit db_path falls back to the top-level db_path.
		Audit: models.AuditConfig{
			Enabled:       false,
			RetentionDays: 90,
		},
	}
}

// Load layers a YAML file and CALLOPT_ environment variables over the
// defaults, expands ${VAR} references in provider settings and validates the
// result. An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.URL = os.ExpandEnv(p.URL)
		p.APIKey = os.ExpandEnv(p.APIKey)
	}
	for i, key := range cfg.Server.APIKeys {
		cfg.Server.APIKeys[i] = os.ExpandEnv(key)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	key := strings.TrimPrefix(s, EnvPrefix)
	return strings.ToLower(strings.ReplaceAll(key, "__", "."))
}

// Validate reports every inconsistency in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Router.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
	}
	if c.Cache.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("cache.compress_threshold must not be negative"))
	}
	if c.Compression.MaxContextLength <= 0 {
		errs = append(errs, fmt.Errorf("compression.max_context_length must be positive, got %d", c.Compression.MaxContextLength))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	names := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: url is required", i))
		}
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("providers[%d]: unknown type %q", i, p.Type))
		}
	}
	if c.Audit.Enabled && c.Audit.DBPath == "" && c.DBPath == "" {
		errs = append(errs, errors.New("audit.db_path is required when audit is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
