package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "LOG_LEVEL", "IVR_MAX_GATHER_ATTEMPTS", "IVR_GATHER_TIMEOUT", "DEDUP_MAX_ENTRIES", "DEFAULT_SLOT_MINUTES"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.IVRMaxGatherAttempts != 3 {
		t.Fatalf("expected 3 gather attempts, got %d", cfg.IVRMaxGatherAttempts)
	}
	if cfg.IVRGatherTimeout != 6*time.Second {
		t.Fatalf("expected 6s gather timeout, got %s", cfg.IVRGatherTimeout)
	}
	if cfg.DedupMaxEntries != 10000 {
		t.Fatalf("expected dedup bound 10000, got %d", cfg.DedupMaxEntries)
	}
	if cfg.DefaultSlotMinutes != 30 {
		t.Fatalf("expected 30 minute slots, got %d", cfg.DefaultSlotMinutes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PUBLIC_BASE_URL", "https://flow.example.com/")
	t.Setenv("IVR_GATHER_TIMEOUT", "8s")
	t.Setenv("DEDUP_WINDOW", "1h")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("USE_MEMORY_QUEUE", "true")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.PublicBaseURL != "https://flow.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.PublicBaseURL)
	}
	if cfg.IVRGatherTimeout != 8*time.Second {
		t.Fatalf("expected gather timeout override, got %s", cfg.IVRGatherTimeout)
	}
	if cfg.DedupWindow != time.Hour {
		t.Fatalf("expected dedup window override, got %s", cfg.DedupWindow)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected rate override, got %v", cfg.RateLimitRPS)
	}
	if !cfg.UseMemoryQueue {
		t.Fatalf("expected memory queue enabled")
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("IVR_MAX_GATHER_ATTEMPTS", "three")
	t.Setenv("SESSION_TTL", "forever")
	cfg := Load()
	if cfg.IVRMaxGatherAttempts != 3 {
		t.Fatalf("expected fallback attempts, got %d", cfg.IVRMaxGatherAttempts)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("expected fallback ttl, got %s", cfg.SessionTTL)
	}
}

func TestPhoneOrgMap(t *testing.T) {
	cfg := &Config{PhoneOrgMapJSON: `{"+15550001111":"org-a"}`}
	m, err := cfg.PhoneOrgMap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["+15550001111"] != "org-a" {
		t.Fatalf("unexpected map: %v", m)
	}

	cfg.PhoneOrgMapJSON = "{nope"
	if _, err := cfg.PhoneOrgMap(); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{DefaultTimezone: "Not/AZone"}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}
