package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.HTTPPort)
	}
	if cfg.DispatchExpiry != 5*time.Minute {
		t.Fatalf("expected 5m dispatch expiry, got %v", cfg.DispatchExpiry)
	}
	if cfg.PipelineTimeout != 0 {
		t.Fatalf("pipeline deadline must default to disabled, got %v", cfg.PipelineTimeout)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected concurrency 4, got %d", cfg.WorkerConcurrency)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_EXPIRY", "90s")
	t.Setenv("MAX_REDISPATCHES", "3")
	t.Setenv("PIPELINE_TIMEOUT", "30m")

	cfg := Load()
	if cfg.DispatchExpiry != 90*time.Second {
		t.Fatalf("expected 90s, got %v", cfg.DispatchExpiry)
	}
	if cfg.MaxRedispatches != 3 {
		t.Fatalf("expected 3, got %d", cfg.MaxRedispatches)
	}
	if cfg.PipelineTimeout != 30*time.Minute {
		t.Fatalf("expected 30m, got %v", cfg.PipelineTimeout)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")
	t.Setenv("DISPATCH_EXPIRY", "soon")

	cfg := Load()
	if cfg.WorkerConcurrency != 4 || cfg.DispatchExpiry != 5*time.Minute {
		t.Fatalf("malformed env must fall back to defaults, got %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Load()
	cfg.DispatchExpiry = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for zero expiry")
	}

	cfg = Load()
	cfg.WorkerConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for zero concurrency")
	}

	cfg = Load()
	cfg.PipelineTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for negative pipeline timeout")
	}
}
