// Package config loads runtime configuration for the softphone daemon.
package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Config holds all runtime configuration for the softphone.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir      string
	HTTPPort     int
	BackendURL   string // base URL of the backend calling API
	BackendDSN   string // postgres DSN for the call-log notification channel
	TenantID     string
	UserID       string
	FromNumber   string // caller ID for outbound calls, E.164
	SigningKey   string // hex-encoded HS256 key for backend bearer tokens
	InviteWindow int    // seconds to wait for signaling progress before the relay path engages
	ICEGrace     int    // seconds a degraded ICE state is tolerated
	LogLevel     string
	LogFormat    string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8090
	defaultInviteWindow = 8
	defaultICEGrace     = 5
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all softphone environment variables.
const envPrefix = "SOFTPHONE_"

// Load parses configuration from the given arguments (normally
// os.Args[1:]) and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("softphone", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the local call history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for webhooks and metrics")
	fs.StringVar(&cfg.BackendURL, "backend-url", "", "base URL of the backend calling API")
	fs.StringVar(&cfg.BackendDSN, "backend-dsn", "", "postgres DSN for call-log change notifications")
	fs.StringVar(&cfg.TenantID, "tenant-id", "", "tenant identifier")
	fs.StringVar(&cfg.UserID, "user-id", "", "user identifier for backend bearer tokens")
	fs.StringVar(&cfg.FromNumber, "from-number", "", "caller ID for outbound calls (E.164)")
	fs.StringVar(&cfg.SigningKey, "signing-key", "", "hex-encoded HS256 key for backend bearer tokens")
	fs.IntVar(&cfg.InviteWindow, "invite-window", defaultInviteWindow, "seconds to wait for signaling progress before falling back to the relay path")
	fs.IntVar(&cfg.ICEGrace, "ice-grace", defaultICEGrace, "seconds a degraded ICE state is tolerated before the call fails")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line, preserving the
// precedence CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":      envPrefix + "DATA_DIR",
		"http-port":     envPrefix + "HTTP_PORT",
		"backend-url":   envPrefix + "BACKEND_URL",
		"backend-dsn":   envPrefix + "BACKEND_DSN",
		"tenant-id":     envPrefix + "TENANT_ID",
		"user-id":       envPrefix + "USER_ID",
		"from-number":   envPrefix + "FROM_NUMBER",
		"signing-key":   envPrefix + "SIGNING_KEY",
		"invite-window": envPrefix + "INVITE_WINDOW",
		"ice-grace":     envPrefix + "ICE_GRACE",
		"log-level":     envPrefix + "LOG_LEVEL",
		"log-format":    envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "backend-url":
			cfg.BackendURL = val
		case "backend-dsn":
			cfg.BackendDSN = val
		case "tenant-id":
			cfg.TenantID = val
		case "user-id":
			cfg.UserID = val
		case "from-number":
			cfg.FromNumber = val
		case "signing-key":
			cfg.SigningKey = val
		case "invite-window":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.InviteWindow = v
			}
		case "ice-grace":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ICEGrace = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks the loaded configuration for consistency.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port %d out of range", c.HTTPPort)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend-url is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("tenant-id is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user-id is required")
	}
	if c.SigningKey == "" {
		return fmt.Errorf("signing-key is required")
	}
	if c.InviteWindow < 1 {
		return fmt.Errorf("invite-window must be at least 1 second")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// SigningKeyBytes decodes the hex-encoded bearer-token signing key.
func (c *Config) SigningKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing-key is not valid hex: %w", err)
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *Config) SlogLevel() slog.Level {
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
