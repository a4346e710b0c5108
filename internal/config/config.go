// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Connection modes for the inbound chat transport.
const (
	ModeWebhook   = "webhook"
	ModeWebsocket = "websocket"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	OpenCodeURL string
	DBPath      string

	Lark LarkConfig

	FlushInterval  time.Duration
	EditRetryDelay time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	DedupeCapacity int
}

// LarkConfig holds the chat platform credentials and connection mode.
type LarkConfig struct {
	AppID       string
	AppSecret   string
	VerifyToken string
	BaseURL     string
	ConnMode    string // webhook | websocket
	WSEndpoint  string // required in websocket mode
	UseCards    bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		OpenCodeURL: getEnv("OPENCODE_URL", "http://127.0.0.1:4096"),
		DBPath:      getEnv("DB_PATH", "./data/bridge.db"),
		Lark: LarkConfig{
			AppID:       getEnv("LARK_APP_ID", ""),
			AppSecret:   getEnv("LARK_APP_SECRET", ""),
			VerifyToken: getEnv("LARK_VERIFY_TOKEN", ""),
			BaseURL:     getEnv("LARK_BASE_URL", "https://open.larksuite.com"),
			ConnMode:    getEnv("LARK_CONN_MODE", ModeWebhook),
			WSEndpoint:  getEnv("LARK_WS_ENDPOINT", ""),
			UseCards:    getEnvBool("LARK_USE_CARDS", true),
		},
		FlushInterval:  getEnvDuration("FLUSH_INTERVAL", 900*time.Millisecond),
		EditRetryDelay: getEnvDuration("EDIT_RETRY_DELAY", 500*time.Millisecond),
		ReconnectBase:  getEnvDuration("RECONNECT_BASE_DELAY", 5*time.Second),
		ReconnectCap:   getEnvDuration("RECONNECT_CAP_DELAY", 60*time.Second),
		DedupeCapacity: getEnvInt("DEDUPE_CAPACITY", 2000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.OpenCodeURL == "" {
		return fmt.Errorf("OPENCODE_URL cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Lark.AppID == "" || c.Lark.AppSecret == "" {
		return fmt.Errorf("LARK_APP_ID and LARK_APP_SECRET are required")
	}
	switch c.Lark.ConnMode {
	case ModeWebhook:
	case ModeWebsocket:
		if c.Lark.WSEndpoint == "" {
			return fmt.Errorf("LARK_WS_ENDPOINT is required in websocket mode")
		}
	default:
		return fmt.Errorf("LARK_CONN_MODE must be %q or %q", ModeWebhook, ModeWebsocket)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be > 0")
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("RECONNECT_CAP_DELAY must be >= RECONNECT_BASE_DELAY > 0")
	}
	if c.DedupeCapacity <= 0 {
		return fmt.Errorf("DEDUPE_CAPACITY must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
