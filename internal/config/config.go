package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "ws"
	TransportNATS      = "nats"
)

type Config struct {
	APIURL      string        `yaml:"api_url"`
	WSURL       string        `yaml:"ws_url"`
	Transport   string        `yaml:"transport"`
	NATSURL     string        `yaml:"nats_url"`
	NATSPrefix  string        `yaml:"nats_prefix"`
	Token       string        `yaml:"token"`
	UserID      string        `yaml:"user_id"`
	UserName    string        `yaml:"user_name"`
	MaxText     int           `yaml:"max_text"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	Transcript  string        `yaml:"transcript"`
	LogLevel    string        `yaml:"log_level"`
}

// Load reads an optional .env file, then an optional YAML file named by
// CHATLINE_CONFIG, then the environment. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		APIURL:      "http://localhost:5000",
		Transport:   TransportWebSocket,
		NATSURL:     "nats://127.0.0.1:4222",
		NATSPrefix:  "chat",
		HTTPTimeout: 10 * time.Second,
		LogLevel:    "info",
	}

	if path := os.Getenv("CHATLINE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.APIURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.APIURL = getEnv("CHATLINE_API_URL", c.APIURL)
	c.WSURL = getEnv("CHATLINE_WS_URL", c.WSURL)
	c.Transport = getEnv("CHATLINE_TRANSPORT", c.Transport)
	c.NATSURL = getEnv("CHATLINE_NATS_URL", c.NATSURL)
	c.NATSPrefix = getEnv("CHATLINE_NATS_PREFIX", c.NATSPrefix)
	c.Token = getEnv("CHATLINE_TOKEN", c.Token)
	c.UserID = getEnv("CHATLINE_USER_ID", c.UserID)
	c.UserName = getEnv("CHATLINE_USER_NAME", c.UserName)
	c.Transcript = getEnv("CHATLINE_TRANSCRIPT", c.Transcript)
	c.LogLevel = getEnv("CHATLINE_LOG_LEVEL", c.LogLevel)

	if v, ok := os.LookupEnv("CHATLINE_MAX_TEXT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATLINE_MAX_TEXT must be an integer: %w", err)
		}
		c.MaxText = n
	}

	if v, ok := os.LookupEnv("CHATLINE_HTTP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.HTTPTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHATLINE_API_URL is required")
	}

	if c.Token == "" {
		return fmt.Errorf("CHATLINE_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHATLINE_USER_ID is required")
	}

	switch c.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		return fmt.Errorf("CHATLINE_TRANSPORT must be %q or %q, got %q", TransportWebSocket, TransportNATS, c.Transport)
	}

	if c.MaxText < 0 {
		return fmt.Errorf("CHATLINE_MAX_TEXT must not be negative")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("CHATLINE_HTTP_TIMEOUT must be greater than 0")
	}

	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// deriveWSURL turns http(s)://host into ws(s)://host/ws.
func deriveWSURL(apiURL string) string {
	u := strings.TrimSuffix(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
