package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Scoring.SweepInterval != time.Minute {
		t.Fatalf("expected 1m sweep interval, got %v", cfg.Scoring.SweepInterval)
	}
	if len(cfg.Kafka.Brokers) != 0 {
		t.Fatalf("expected no brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("SWEEP_WORKERS", "8")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("AUTH_DISABLED", "true")
	t.Setenv("DATABASE_URL", "postgres://racer@db/racesow")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Scoring.SweepInterval != 15*time.Second || cfg.Scoring.Workers != 8 {
		t.Fatalf("unexpected scoring config %+v", cfg.Scoring)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if !cfg.API.AuthDisabled {
		t.Fatalf("expected auth disabled")
	}
	if cfg.GetDSN() != "postgres://racer@db/racesow" {
		t.Fatalf("expected DATABASE_URL to win, got %s", cfg.GetDSN())
	}
}

func TestValidateRejectsShortLockTTL(t *testing.T) {
	t.Setenv("RECOMPUTE_TIMEOUT", "1m")
	t.Setenv("LOCK_TTL", "10s")

	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}
