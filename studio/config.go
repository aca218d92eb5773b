package studio

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/liveedit/auth"
	"github.com/hazyhaar/liveedit/safe"
)

// Config holds the full liveedit server configuration.
type Config struct {
	Listen       string         `yaml:"listen"`
	DB           DBConfig       `yaml:"db"`
	SitesDir     string         `yaml:"sites_dir"`
	SitesPoll    time.Duration  `yaml:"sites_poll"` // 0 disables reloading open sessions
	HistoryMax   int            `yaml:"history_max"`
	Autosave     AutosaveConfig `yaml:"autosave"`
	Bridge       BridgeConfig   `yaml:"bridge"`
	JWTSecret    string         `yaml:"jwt_secret"`
	CookieDomain string         `yaml:"cookie_domain"`
	SecureCookie bool           `yaml:"secure_cookie"`
	Users        []auth.User    `yaml:"users"`
	LogLevel     string         `yaml:"log_level"`
}

// DBConfig selects the page-edit store.
type DBConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`   // sqlite file
	URL    string `yaml:"url"`    // postgres connection string
}

// AutosaveConfig tunes the per-element persistence timers.
type AutosaveConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	SavedTTL time.Duration `yaml:"saved_ttl"`
}

// BridgeConfig selects how remote surfaces reach their host.
type BridgeConfig struct {
	Transport   string `yaml:"transport"` // websocket | redis
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// DefaultConfig returns sane defaults. JWTSecret has no default.
func DefaultConfig() *Config {
	return &Config{
		Listen:     ":8090",
		DB:         DBConfig{Driver: "sqlite", Path: "data/liveedit.db"},
		SitesDir:   "sites",
		SitesPoll:  2 * time.Second,
		HistoryMax: 50,
		Autosave: AutosaveConfig{
			Debounce: time.Second,
			SavedTTL: 2 * time.Second,
		},
		Bridge:   BridgeConfig{Transport: "websocket", RedisPrefix: "liveedit"},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for sqlite")
		}
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("db.url is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported db.driver %q (use sqlite or postgres)", c.DB.Driver)
	}
	if c.SitesDir == "" {
		return fmt.Errorf("sites_dir is required")
	}
	if c.SitesPoll < 0 {
		return fmt.Errorf("sites_poll must be >= 0")
	}
	if c.HistoryMax < 2 {
		return fmt.Errorf("history_max must be >= 2")
	}
	if c.Autosave.Debounce <= 0 || c.Autosave.SavedTTL <= 0 {
		return fmt.Errorf("autosave.debounce and autosave.saved_ttl must be > 0")
	}
	switch c.Bridge.Transport {
	case "websocket":
	case "redis":
		if c.Bridge.RedisAddr == "" {
			return fmt.Errorf("bridge.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("unsupported bridge.transport %q (use websocket or redis)", c.Bridge.Transport)
	}
	if err := safe.ValidateSecret([]byte(c.JWTSecret)); err != nil {
		return fmt.Errorf("jwt_secret: %w", err)
	}
	for i, u := range c.Users {
		if u.Email == "" || u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: email and password_hash are required", i)
		}
	}
	return nil
}

// Secret returns the JWT signing key.
func (c *Config) Secret() []byte { return []byte(c.JWTSecret) }

// Level maps log_level to a slog level. Unknown values mean info.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
