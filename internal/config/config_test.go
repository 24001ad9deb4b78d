package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.RecallWindow != 2*time.Minute {
		t.Errorf("expected recall window 2m, got %s", cfg.RecallWindow)
	}
	if cfg.EditWindow != 10*time.Minute {
		t.Errorf("expected edit window 10m, got %s", cfg.EditWindow)
	}
	if cfg.MaxBodyChars != 5000 {
		t.Errorf("expected max body 5000, got %d", cfg.MaxBodyChars)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("MAX_BODY_CHARS", "1000")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.HeartbeatTimeout != 45*time.Second {
		t.Errorf("expected heartbeat timeout 45s, got %s", cfg.HeartbeatTimeout)
	}
	if cfg.MaxBodyChars != 1000 {
		t.Errorf("expected max body 1000, got %d", cfg.MaxBodyChars)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "often")

	cfg := Load()
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("expected default sweep interval, got %s", cfg.SweepInterval)
	}
}
