package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Static  StaticConfig  `yaml:"static"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	IdleTimeout  Duration `yaml:"idleTimeout"`

	// MaxInFlight bounds concurrently served requests; 0 disables the limit.
	MaxInFlight int `yaml:"maxInFlight"`

	// PublishRate/PublishBurst shape the token bucket applied to
	// mutating requests; a zero rate disables limiting.
	PublishRate  float64 `yaml:"publishRate"`
	PublishBurst int     `yaml:"publishBurst"`
}

type StorageConfig struct {
	Root string `yaml:"root"`

	// MaxArtifactSize caps both uploads and reads, in bytes.
	MaxArtifactSize int64 `yaml:"maxArtifactSize"`
}

type CacheConfig struct {
	Capacity int      `yaml:"capacity"`
	TTL      Duration `yaml:"ttl"`

	// MaxEntrySize is the admission threshold; larger payloads are
	// streamed from disk instead of cached.
	MaxEntrySize int `yaml:"maxEntrySize"`
}

type StaticConfig struct {
	Dir string `yaml:"dir"`
}

type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig binds one bearer token to a publishing principal.
type TokenConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"`
}

// TokenOwners flattens the token list into a token-to-owner table.
func (a AuthConfig) TokenOwners() map[string]string {
	m := make(map[string]string, len(a.Tokens))
	for _, tc := range a.Tokens {
		m[tc.Token] = tc.Owner
	}
	return m
}

type LoggingConfig struct {
	Level string `yaml:"level"`

	// File enables rotated file output; empty logs to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// Duration parses YAML scalars like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(5 * time.Minute),
			IdleTimeout:  Duration(2 * time.Minute),
			MaxInFlight:  256,
			PublishRate:  10,
			PublishBurst: 20,
		},
		Storage: StorageConfig{
			Root:            "./data",
			MaxArtifactSize: 100 << 20,
		},
		Cache: CacheConfig{
			Capacity:     100,
			TTL:          Duration(5 * time.Minute),
			MaxEntrySize: 32 << 10,
		},
		Static: StaticConfig{
			Dir: "./static",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load reads and parses a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}
	if c.Storage.MaxArtifactSize <= 0 {
		return fmt.Errorf("max artifact size must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive")
	}
	if c.Cache.MaxEntrySize <= 0 {
		return fmt.Errorf("cache max entry size must be positive")
	}
	if len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("no auth tokens configured")
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" {
			return fmt.Errorf("auth token %d is empty", i)
		}
		if t.Owner == "" {
			return fmt.Errorf("auth token %d has no owner", i)
		}
	}
	return nil
}
