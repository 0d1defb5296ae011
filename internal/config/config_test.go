package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.StoreDriver != StorePostgres {
		t.Errorf("expected store driver %q, got %q", StorePostgres, cfg.StoreDriver)
	}

	if cfg.SendPollInterval != 5*time.Second {
		t.Errorf("expected send poll interval 5s, got %s", cfg.SendPollInterval)
	}

	if cfg.SQSRegion != cfg.AWSRegion {
		t.Errorf("expected SQS region to default to %s, got %s", cfg.AWSRegion, cfg.SQSRegion)
	}

	if cfg.RedisAddr() != "localhost:6379" {
		t.Errorf("expected redis addr localhost:6379, got %s", cfg.RedisAddr())
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RETRY_POLL_INTERVAL", "90s")
	t.Setenv("SQS_REGION", "eu-west-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}

	if cfg.StoreDriver != StoreMemory {
		t.Errorf("expected store driver memory, got %s", cfg.StoreDriver)
	}

	if cfg.RetryPollInterval != 90*time.Second {
		t.Errorf("expected retry poll interval 90s, got %s", cfg.RetryPollInterval)
	}

	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("expected SQS region eu-west-1, got %s", cfg.SQSRegion)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric port", "PORT", "abc"},
		{"port out of range", "PORT", "70000"},
		{"unknown store driver", "STORE_DRIVER", "sqlite"},
		{"bad duration", "SEND_POLL_INTERVAL", "soon"},
		{"zero rate limit", "RATE_LIMIT_PER_MINUTE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
