package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENV", "test")
	cfg, problems := Load("api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.IdempotencyTTL() != 24*time.Hour {
		t.Fatalf("expected 24h idempotency ttl, got %s", cfg.IdempotencyTTL())
	}
	if cfg.OutboxMaxRetries != 5 || cfg.OutboxAllocationAttempts != 10 {
		t.Fatalf("unexpected outbox defaults: %+v", cfg)
	}
	if cfg.OutboxBaseDelay() != 10*time.Second || cfg.OutboxMaxDelay() != 5*time.Minute {
		t.Fatalf("unexpected backoff defaults: %s %s", cfg.OutboxBaseDelay(), cfg.OutboxMaxDelay())
	}
	if cfg.OutboxSequenceStrategy != SequenceCounter || cfg.StoreBackend != StoreMemory {
		t.Fatalf("unexpected strategy defaults: %+v", cfg)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected request timeout: %s", cfg.RequestTimeout)
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENV", "")
	cfg, problems := Load("api", 8080)
	if cfg.Env != "dev" {
		t.Fatalf("expected env to default to dev, got %q", cfg.Env)
	}
	if !hasProblem(problems, "ENV") {
		t.Fatalf("expected ENV problem, got %#v", problems)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "cfg.json")
	body := `{
		"ENV": "staging",
		"OUTBOX_MAX_RETRIES": 7,
		"OUTBOX_SEQUENCE_STRATEGY": "scan",
		"KAFKA_BROKERS": ["k1:9092", " ", "k2:9092"],
		"ASYNQ_ENABLED": true,
		"STORE_BACKEND": "sqlite"
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("OUTBOX_MAX_RETRIES", "3")

	cfg, problems := Load("worker", 8083)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.Env != "staging" {
		t.Fatalf("expected env from file, got %q", cfg.Env)
	}
	if cfg.OutboxMaxRetries != 3 {
		t.Fatalf("expected env to override file, got %d", cfg.OutboxMaxRetries)
	}
	if cfg.OutboxSequenceStrategy != SequenceScan || !cfg.AsynqEnabled || cfg.StoreBackend != StoreSQLite {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENV", "test")
	t.Setenv("OUTBOX_BATCH_SIZE", "-1")
	t.Setenv("OUTBOX_PUBLISHER", "carrier-pigeon")
	t.Setenv("OTEL_ENABLED", "maybe")
	t.Setenv("OUTBOX_BASE_DELAY_MS", "600000")

	cfg, problems := Load("api", 8080)
	for _, field := range []string{"OUTBOX_BATCH_SIZE", "OUTBOX_PUBLISHER", "OTEL_ENABLED", "OUTBOX_MAX_DELAY_MS"} {
		if !hasProblem(problems, field) {
			t.Fatalf("expected problem for %s, got %#v", field, problems)
		}
	}
	if cfg.OutboxBatchSize != 50 || cfg.OutboxPublisher != PublisherLog {
		t.Fatalf("expected defaults after invalid values: %+v", cfg)
	}
	if cfg.OutboxMaxDelayMS != cfg.OutboxBaseDelayMS {
		t.Fatalf("expected cap raised to base delay, got %d", cfg.OutboxMaxDelayMS)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "local.env")
	if err := os.WriteFile(path, []byte("ENV=dotenv\nOUTBOX_SCAN_SEC=9\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("DOTENV_PATH", path)
	t.Setenv("ENV", "explicit")
	t.Setenv("OUTBOX_SCAN_SEC", "")
	os.Unsetenv("OUTBOX_SCAN_SEC")

	cfg, _ := Load("api", 8080)
	if cfg.Env != "explicit" {
		t.Fatalf("expected process env to win, got %q", cfg.Env)
	}
	if cfg.OutboxScanSec != 9 {
		t.Fatalf("expected dotenv value, got %d", cfg.OutboxScanSec)
	}
	os.Unsetenv("OUTBOX_SCAN_SEC")
}

func hasProblem(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}
