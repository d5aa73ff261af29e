package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the sync client.
type Config struct {
	APIURL         string
	WSURL          string
	DBPath         string
	LogLevel       string
	LogFormat      string
	SnapshotSecret string
	DeviceID       string
	MetricsAddr    string
	Email          string
	Password       string
	RefreshSkew    time.Duration
	ReconnectMax   time.Duration
	HTTPTimeout    time.Duration
}

// Load reads an optional .env file and then the LISTSYNC_* environment.
func Load() (*Config, error) {
	// A missing .env file is fine; real env vars still apply.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		APIURL:         strings.TrimRight(getEnvOrDefault("LISTSYNC_API_URL", "http://localhost:8000/api/v1"), "/"),
		DBPath:         getEnvOrDefault("LISTSYNC_DB_PATH", "listsync.db"),
		LogLevel:       getEnvOrDefault("LISTSYNC_LOG_LEVEL", "info"),
		LogFormat:      getEnvOrDefault("LISTSYNC_LOG_FORMAT", "text"),
		SnapshotSecret: os.Getenv("LISTSYNC_SNAPSHOT_SECRET"),
		DeviceID:       os.Getenv("LISTSYNC_DEVICE_ID"),
		MetricsAddr:    os.Getenv("LISTSYNC_METRICS_ADDR"),
		Email:          os.Getenv("LISTSYNC_EMAIL"),
		Password:       os.Getenv("LISTSYNC_PASSWORD"),
	}

	if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("LISTSYNC_API_URL: %w", err)
	}

	cfg.WSURL = os.Getenv("LISTSYNC_WS_URL")
	if cfg.WSURL == "" {
		ws, err := deriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("derive websocket url: %w", err)
		}
		cfg.WSURL = ws
	}
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	var err error
	if cfg.RefreshSkew, err = getDuration("LISTSYNC_REFRESH_SKEW", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = getDuration("LISTSYNC_RECONNECT_MAX", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getDuration("LISTSYNC_HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// deriveWSURL maps http(s)://host/api/v1 to ws(s)://host/api/v1/realtime/ws.
func deriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.JoinPath("realtime", "ws").String(), nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

// getEnvOrDefault returns environment variable value or default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
