package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_Validates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaultConfig_RateLimits(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RateLimit.GlobalRPM <= 0 {
		t.Error("GlobalRPM should have a positive default")
	}
	if cfg.RateLimit.PerConversationRPM > cfg.RateLimit.GlobalRPM {
		t.Error("per-conversation limit should not exceed the global limit by default")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
adapter:
  adapter_type: telegram
  bot_token: "123:abc"
caching:
  max_total_messages: 42
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Adapter.AdapterType != "telegram" {
		t.Errorf("AdapterType = %q, want %q", cfg.Adapter.AdapterType, "telegram")
	}
	if cfg.Caching.MaxTotalMessages != 42 {
		t.Errorf("MaxTotalMessages = %d, want 42", cfg.Caching.MaxTotalMessages)
	}
	// Untouched keys keep their defaults.
	if cfg.Adapter.MaxMessageLength != 1999 {
		t.Errorf("MaxMessageLength = %d, want default 1999", cfg.Adapter.MaxMessageLength)
	}
	if cfg.RateLimit.GlobalRPM != 50 {
		t.Errorf("GlobalRPM = %d, want default 50", cfg.RateLimit.GlobalRPM)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("adapter:\n  adapter_type: discord\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHATBRIDGE_RATE_LIMIT_GLOBAL_RPM", "7")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RateLimit.GlobalRPM != 7 {
		t.Errorf("GlobalRPM = %d, want env override 7", cfg.RateLimit.GlobalRPM)
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBus.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Attachments.MaxFileSizeMB = 8
	if got := cfg.MaxFileSizeBytes(); got != 8*1024*1024 {
		t.Errorf("MaxFileSizeBytes = %d, want %d", got, 8*1024*1024)
	}
}
