package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8098" {
		t.Fatalf("port default: %q", cfg.Port)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Fatalf("heartbeat timeout default: %v", cfg.HeartbeatTimeout)
	}
	if cfg.RateLimitAttempts != 5 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("rate limit defaults: %d per %v", cfg.RateLimitAttempts, cfg.RateLimitWindow)
	}
	if cfg.CommandDefaultTimeout != 2*time.Minute || cfg.CommandMaxTimeout != 5*time.Minute {
		t.Fatalf("command timeout defaults: %v / %v", cfg.CommandDefaultTimeout, cfg.CommandMaxTimeout)
	}
	if !cfg.DebounceEnabled || cfg.DebounceMaxBatch != 5 {
		t.Fatalf("debounce defaults: enabled=%v batch=%d", cfg.DebounceEnabled, cfg.DebounceMaxBatch)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REMOTE_ACCESS_PORT", "9001")
	t.Setenv("PAIRING_CODE_TTL", "5m")
	t.Setenv("RATE_LIMIT_ATTEMPTS", "3")
	t.Setenv("DEBOUNCE_ENABLED", "false")
	t.Setenv("HEARTBEAT_TIMEOUT", "not-a-duration")

	cfg := Load()
	if cfg.Port != "9001" {
		t.Fatalf("port override: %q", cfg.Port)
	}
	if cfg.PairingCodeTTL != 5*time.Minute {
		t.Fatalf("ttl override: %v", cfg.PairingCodeTTL)
	}
	if cfg.RateLimitAttempts != 3 {
		t.Fatalf("attempts override: %d", cfg.RateLimitAttempts)
	}
	if cfg.DebounceEnabled {
		t.Fatal("debounce should be disabled")
	}
	// Unparsable values fall back to the default rather than failing startup.
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Fatalf("bad duration should fall back: %v", cfg.HeartbeatTimeout)
	}
}
