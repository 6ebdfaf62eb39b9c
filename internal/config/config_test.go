package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HEARTBEAT_INTERVAL", "MAX_ATTEMPTS", "STT_MIN_SUCCESS_RATE", "S3_PATH_STYLE"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat interval = %s, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.STTMinSuccessRate != 0.7 {
		t.Fatalf("min success rate = %v, want 0.7", cfg.STTMinSuccessRate)
	}
	if cfg.S3PathStyle {
		t.Fatal("expected path style off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("MAX_JOB_DURATION", "15m")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("STT_MIN_SUCCESS_RATE", "0.5")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("STT_CONCURRENCY", "not-a-number")

	cfg := Load()
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.MaxJobDuration != 15*time.Minute {
		t.Fatalf("max duration = %s", cfg.MaxJobDuration)
	}
	if cfg.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d", cfg.MaxAttempts)
	}
	if cfg.STTMinSuccessRate != 0.5 {
		t.Fatalf("min success rate = %v", cfg.STTMinSuccessRate)
	}
	if !cfg.S3PathStyle {
		t.Fatal("expected path style on")
	}
	if cfg.STTConcurrency != 3 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.STTConcurrency)
	}
}
