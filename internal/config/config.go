// Package config provides YAML-based configuration loading for deskchat.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level deskchat configuration, loaded from deskchat.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Dev      DevConfig      `yaml:"dev"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ReadTimeoutSec int      `yaml:"read_timeout_sec"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// AuthConfig holds session token settings.
type AuthConfig struct {
	Secret     string        `yaml:"secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

// GatewayConfig tunes the real-time messaging gateway.
type GatewayConfig struct {
	HandshakeTimeoutSec int     `yaml:"handshake_timeout_sec"`
	HistoryLimit        int     `yaml:"history_limit"`
	MaxMessageLen       int     `yaml:"max_message_len"`
	SendBuffer          int     `yaml:"send_buffer"`
	RatePerSec          float64 `yaml:"rate_per_sec"`
	RateBurst           int     `yaml:"rate_burst"`
	PingIntervalSec     int     `yaml:"ping_interval_sec"`
}

// DevConfig gates development-only behavior.
type DevConfig struct {
	DemoTenant     bool   `yaml:"demo_tenant"`
	DemoTenantName string `yaml:"demo_tenant_name"`
}

// DefaultIdleAfter applies when janitor.idle_after is absent from the file.
const DefaultIdleAfter = 30 * 24 * time.Hour

// JanitorConfig controls the idle-thread closer. An explicit idle_after of
// zero turns it off.
type JanitorConfig struct {
	Schedule  string        `yaml:"schedule"`
	IdleAfter time.Duration `yaml:"idle_after"`
}

// Enabled reports whether idle threads should be closed at all.
func (j JanitorConfig) Enabled() bool {
	return j.IdleAfter > 0
}

// NotifyConfig configures optional agent notifications.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig identifies a bot token and target channel on a chat platform.
type ChannelConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both token and channel are configured.
func (c ChannelConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file in the working directory, if present, is loaded first so that
// ${VAR} references in the YAML can be resolved.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Janitor: JanitorConfig{IdleAfter: DefaultIdleAfter}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "deskchat"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "deskchat.db"
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = 10
	}

	g := &c.Gateway
	if g.HandshakeTimeoutSec == 0 {
		g.HandshakeTimeoutSec = 5
	}
	if g.HistoryLimit == 0 {
		g.HistoryLimit = 50
	}
	if g.MaxMessageLen == 0 {
		g.MaxMessageLen = 4000
	}
	if g.SendBuffer == 0 {
		g.SendBuffer = 256
	}
	if g.RatePerSec == 0 {
		g.RatePerSec = 5
	}
	if g.RateBurst == 0 {
		g.RateBurst = 10
	}
	if g.PingIntervalSec == 0 {
		g.PingIntervalSec = 30
	}

	if c.Dev.DemoTenantName == "" {
		c.Dev.DemoTenantName = "BR Sistemas - Demo"
	}

	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "0 * * * *"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, "auth.secret is required")
	} else if len(c.Auth.Secret) < 16 {
		errs = append(errs, "auth.secret must be at least 16 bytes")
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if c.Gateway.HistoryLimit < 0 || c.Gateway.HistoryLimit > MaxHistoryLimit {
		errs = append(errs, fmt.Sprintf("gateway.history_limit must be between 1 and %d", MaxHistoryLimit))
	}
	if c.Gateway.RatePerSec < 0 || c.Gateway.RateBurst < 0 {
		errs = append(errs, "gateway rate limits must not be negative")
	}
	if c.Janitor.IdleAfter < 0 {
		errs = append(errs, "janitor.idle_after must not be negative")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported (console, json)", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MaxHistoryLimit caps the page size a client may request.
const MaxHistoryLimit = 200
