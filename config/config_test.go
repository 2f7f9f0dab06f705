package config

import (
	"log/slog"
	"testing"
)

func validArgs() []string {
	return []string{
		"-backend-url", "https://api.example.com",
		"-tenant-id", "tenant-1",
		"-user-id", "user-7",
		"-signing-key", "deadbeef",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(validArgs())
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("http port = %d", cfg.HTTPPort)
	}
	if cfg.InviteWindow != defaultInviteWindow {
		t.Errorf("invite window = %d", cfg.InviteWindow)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log config = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFlagsBeatEnv(t *testing.T) {
	t.Setenv("SOFTPHONE_HTTP_PORT", "9999")
	t.Setenv("SOFTPHONE_LOG_LEVEL", "error")

	cfg, err := Load(append(validArgs(), "-http-port", "8191"))
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.HTTPPort != 8191 {
		t.Errorf("flag should beat env, got port %d", cfg.HTTPPort)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("env should beat default, got level %s", cfg.LogLevel)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing backend url", []string{"-tenant-id", "t", "-user-id", "u", "-signing-key", "k"}},
		{"missing tenant", []string{"-backend-url", "https://x", "-user-id", "u", "-signing-key", "k"}},
		{"bad port", append(validArgs(), "-http-port", "0")},
		{"bad log level", append(validArgs(), "-log-level", "verbose")},
		{"bad invite window", append(validArgs(), "-invite-window", "0")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
	cfg.LogLevel = "warn"
	if cfg.SlogLevel() != slog.LevelWarn {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
}
