package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. TABRELAY_SERVER_PORT.
const EnvPrefix = "TABRELAY"

type Config struct {
	Server    ServerConfig   `yaml:"Server"`
	Database  DatabaseConfig `yaml:"Database"`
	Callbacks CallbackConfig `yaml:"Callbacks"`
	HTML      HTMLConfig     `yaml:"HTML"`
	Auth      AuthConfig     `yaml:"Auth"`
	Log       LogConfig      `yaml:"Log"`
}

type ServerConfig struct {
	Host                string        `yaml:"Host"`
	Port                int           `yaml:"Port"`
	MaxExtensionClients int           `yaml:"MaxExtensionClients" split_words:"true"`
	SweepInterval       time.Duration `yaml:"SweepInterval" split_words:"true"`
	PingInterval        time.Duration `yaml:"PingInterval" split_words:"true"`
}

type DatabaseConfig struct {
	SQLitePath         string        `yaml:"SQLitePath" envconfig:"SQLITE_PATH"`
	CheckpointInterval time.Duration `yaml:"CheckpointInterval" split_words:"true"`
}

type CallbackConfig struct {
	Expiry          time.Duration `yaml:"Expiry"`
	CleanupInterval time.Duration `yaml:"CleanupInterval" split_words:"true"`
	PushTimeout     time.Duration `yaml:"PushTimeout" split_words:"true"`
}

// HTMLConfig bounds the get_html polling loop.
type HTMLConfig struct {
	PollInterval time.Duration `yaml:"PollInterval" split_words:"true"`
	PollTimeout  time.Duration `yaml:"PollTimeout" split_words:"true"`
}

// AuthConfig enables token auth for automation peers when Secret is non-empty.
type AuthConfig struct {
	Secret string `yaml:"Secret"`
}

type LogConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                27460,
			MaxExtensionClients: 1,
			SweepInterval:       30 * time.Second,
			PingInterval:        30 * time.Second,
		},
		Database: DatabaseConfig{
			SQLitePath:         "./data/tabrelay.db",
			CheckpointInterval: 30 * time.Minute,
		},
		Callbacks: CallbackConfig{
			Expiry:          time.Hour,
			CleanupInterval: 10 * time.Minute,
			PushTimeout:     10 * time.Second,
		},
		HTML: HTMLConfig{
			PollInterval: 100 * time.Millisecond,
			PollTimeout:  60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion.
// Keys missing from the document keep their default values.
func LoadFromBytes(data []byte) (Config, error) {
	c := Defaults()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, c.Validate()
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// ApplyEnv overlays TABRELAY_* environment variables onto c.
func ApplyEnv(c *Config) error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	return c.Validate()
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: Server.Port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxExtensionClients < 1 {
		return fmt.Errorf("invalid config: Server.MaxExtensionClients must be at least 1")
	}
	if c.Database.SQLitePath == "" {
		return fmt.Errorf("invalid config: Database.SQLitePath is required")
	}
	if c.HTML.PollInterval <= 0 || c.HTML.PollTimeout <= 0 {
		return fmt.Errorf("invalid config: HTML.PollInterval and HTML.PollTimeout must be positive")
	}
	if c.Callbacks.Expiry <= 0 {
		return fmt.Errorf("invalid config: Callbacks.Expiry must be positive")
	}
	return nil
}

// Addr returns the listen address for the socket server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// AuthEnabled reports whether automation peers must present a token.
func (c Config) AuthEnabled() bool {
	return c.Auth.Secret != ""
}
