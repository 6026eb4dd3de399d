// Package syncconfig loads server and client configuration, following an
// environment-variable-first precedence: explicit env override, then an
// on-disk file (client only), then a hardcoded default.
package syncconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds the sync server's tunables, loaded from environment
// variables (no file layer on the server, matching the daemon's
// twelve-factor deployment style).
type ServerConfig struct {
	ListenAddr      string
	DataDir         string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	BatchSize int // read from SYNCD_BATCH_SIZE; the HTTP transport does not use it and caps a push request at its own fixed limit of 1000 operations

	RealtimeEnabled        bool
	HeartbeatInterval       time.Duration
	ConnectionTimeout       time.Duration
	MaxConnectionsPerUser   int
}

// LoadServerConfig reads configuration from environment variables with
// sensible defaults.
func LoadServerConfig() ServerConfig {
	cfg := ServerConfig{
		ListenAddr:      ":8089",
		DataDir:         "./data",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		BatchSize: 50,

		RealtimeEnabled:       true,
		HeartbeatInterval:     30 * time.Second,
		ConnectionTimeout:     0,
		MaxConnectionsPerUser: 8,
	}

	if v := os.Getenv("SYNCD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SYNCD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SYNCD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SYNCD_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("SYNCD_REALTIME_ENABLED"); v == "false" || v == "0" {
		cfg.RealtimeEnabled = false
	}
	if v := os.Getenv("SYNCD_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("SYNCD_CONNECTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConnectionTimeout = d
		}
	}
	if v := os.Getenv("SYNCD_MAX_CONN_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnectionsPerUser = n
		}
	}

	return cfg
}

// parseBoolEnv mirrors the client loader's truthiness parsing for a stray
// env var the caller wants to treat as a tri-state override.
func parseBoolEnv(v string) (bool, bool) {
	v = strings.TrimSpace(strings.ToLower(v))
	switch v {
	case "":
		return false, false
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
