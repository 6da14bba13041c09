package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	HTTP      HTTPConfig       `yaml:"http"`
	Log       LogConfig        `yaml:"log"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Server    ServerConfig     `yaml:"server"`
	Retailers []RetailerConfig `yaml:"retailers"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path            string `yaml:"path"`
	ConnectAttempts int    `yaml:"connect_attempts"`
}

// HTTPConfig configures the shared outbound transport.
type HTTPConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the outbound request timeout.
func (h HTTPConfig) Timeout() time.Duration {
	if h.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TelegramConfig configures the delivery channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// RetailerConfig seeds one upstream retailer.
type RetailerConfig struct {
	Slug            string   `yaml:"slug"`
	Name            string   `yaml:"name"`
	BaseURL         string   `yaml:"base_url"`
	Enabled         bool     `yaml:"enabled"`
	RotatingProxy   bool     `yaml:"rotating_proxy"`
	ProxyURLs       []string `yaml:"proxy_urls"`
	RandomUserAgent bool     `yaml:"random_user_agent"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./dealradar.db", ConnectAttempts: 5},
		HTTP:     HTTPConfig{TimeoutSeconds: 30},
		Log:      LogConfig{Level: "info"},
		Server:   ServerConfig{Port: 8080},
		Retailers: []RetailerConfig{
			{
				Slug:            "kufar",
				Name:            "Kufar",
				BaseURL:         "https://www.kufar.by",
				Enabled:         true,
				RandomUserAgent: true,
			},
			{
				Slug:    "craigslist",
				Name:    "Craigslist",
				BaseURL: "https://sfbay.craigslist.org",
				Enabled: true,
			},
			{
				Slug:            "olx",
				Name:            "OLX",
				BaseURL:         "https://www.olx.pl",
				Enabled:         false,
				RandomUserAgent: true,
			},
		},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEALRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("DEALRADAR_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("DEALRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
