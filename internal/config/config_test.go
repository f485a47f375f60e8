package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("DB_PASSWORD", "test")
}

func TestSecurityConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	ints := []struct {
		name     string
		actual   int
		expected int
	}{
		{"Tier1Max", cfg.Security.Tier1Max, 2},
		{"Tier2Max", cfg.Security.Tier2Max, 5},
		{"Tier3Max", cfg.Security.Tier3Max, 10},
		{"Tier4Max", cfg.Security.Tier4Max, 14},
		{"CodeMaxAttempts", cfg.Security.CodeMaxAttempts, 5},
		{"ResendMaxPerWindow", cfg.Security.ResendMaxPerWindow, 3},
	}
	for _, tt := range ints {
		if tt.actual != tt.expected {
			t.Errorf("%s: got %d, want %d", tt.name, tt.actual, tt.expected)
		}
	}

	durations := []struct {
		name     string
		actual   time.Duration
		expected time.Duration
	}{
		{"FailureWindow", cfg.Security.FailureWindow, 24 * time.Hour},
		{"LockDuration", cfg.Security.LockDuration, 24 * time.Hour},
		{"UnlockTokenTTL", cfg.Security.UnlockTokenTTL, 24 * time.Hour},
		{"CodeTTL", cfg.Security.CodeTTL, 10 * time.Minute},
		{"ReadTimeout", cfg.Server.ReadTimeout, 15 * time.Second},
		{"IdleTimeout", cfg.Server.IdleTimeout, 60 * time.Second},
	}
	for _, tt := range durations {
		if tt.actual != tt.expected {
			t.Errorf("%s: got %v, want %v", tt.name, tt.actual, tt.expected)
		}
	}

	if cfg.Email.Provider != "log" {
		t.Errorf("Email.Provider: got %q, want %q", cfg.Email.Provider, "log")
	}
}

func TestSecurityConfig_CustomTiers(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SECURITY_TIER1_MAX", "3")
	t.Setenv("SECURITY_TIER2_MAX", "6")
	t.Setenv("SECURITY_TIER3_MAX", "12")
	t.Setenv("SECURITY_TIER4_MAX", "20")
	t.Setenv("SECURITY_LOCK_DURATION", "48h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Security.Tier4Max != 20 {
		t.Errorf("Tier4Max: got %d, want 20", cfg.Security.Tier4Max)
	}
	if cfg.Security.LockDuration != 48*time.Hour {
		t.Errorf("LockDuration: got %v, want 48h", cfg.Security.LockDuration)
	}
}

func TestSecurityConfig_NonIncreasingTiersRejected(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SECURITY_TIER2_MAX", "10")
	t.Setenv("SECURITY_TIER3_MAX", "10")

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil, want error for overlapping tiers")
	}
}

func TestSecurityConfig_InvalidDurationFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SECURITY_CODE_TTL", "ten minutes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if cfg.Security.CodeTTL != 10*time.Minute {
		t.Errorf("CodeTTL with invalid value: got %v, want %v", cfg.Security.CodeTTL, 10*time.Minute)
	}
}

func TestLoad_RejectsUnknownEmailProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EMAIL_PROVIDER", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil, want error for unknown provider")
	}
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DB_PASSWORD", "test")

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil, want error when JWT_SECRET is missing")
	}
}

func TestLoad_KafkaBrokersParsed(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}

	if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("KafkaBrokers: got %v", cfg.Events.KafkaBrokers)
	}
}
