package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	IdempotencyDocstore = "docstore"
	IdempotencyRedis    = "redis"

	PublisherLog     = "log"
	PublisherKafka   = "kafka"
	PublisherNATS    = "nats"
	PublisherWebhook = "webhook"

	SequenceCounter = "counter"
	SequenceScan    = "scan"
)

type Config struct {
	Env                      string
	ServiceName              string
	HTTPPort                 int
	LogLevel                 string
	ConfigPath               string
	RequestTimeoutMS         int
	RequestTimeout           time.Duration
	StoreBackend             string
	DatabaseURL              string
	DBMaxConns               int
	DBMinConns               int
	DBConnMaxIdleSec         int
	DBConnMaxLifeSec         int
	SQLitePath               string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	IdempotencyBackend       string
	IdempotencyTTLSec        int
	IdempotencyPurgeSec      int
	AsynqEnabled             bool
	AsynqRedisAddr           string
	AsynqRedisPass           string
	AsynqRedisDB             int
	AsynqQueue               string
	AsynqConcurrency         int
	OutboxPublisher          string
	OutboxScanSec            int
	OutboxBatchSize          int
	OutboxMaxRetries         int
	OutboxBaseDelayMS        int
	OutboxMaxDelayMS         int
	OutboxSequenceStrategy   string
	OutboxAllocationAttempts int
	KafkaBrokers             []string
	KafkaClientID            string
	KafkaTopic               string
	KafkaRetryMax            int
	KafkaWriteMS             int
	NATSURL                  string
	NATSSubjectPrefix        string
	NATSStream               string
	WebhookURL               string
	WebhookTimeoutMS         int
	ApprovalTTLSec           int
	ApprovalSweepSec         int
	ApprovalBatchSize        int
	OtelEnabled              bool
	OtelEndpoint             string
	OtelInsecure             bool
	OtelSampleRatio          float64
}

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:              serviceName,
		HTTPPort:                 httpPort,
		LogLevel:                 "info",
		RequestTimeoutMS:         30000,
		StoreBackend:             StoreMemory,
		DBMaxConns:               10,
		DBMinConns:               1,
		DBConnMaxIdleSec:         300,
		DBConnMaxLifeSec:         1800,
		SQLitePath:               "data/cards.db",
		IdempotencyBackend:       IdempotencyDocstore,
		IdempotencyTTLSec:        86400,
		IdempotencyPurgeSec:      600,
		AsynqQueue:               "default",
		AsynqConcurrency:         10,
		OutboxPublisher:          PublisherLog,
		OutboxScanSec:            5,
		OutboxBatchSize:          50,
		OutboxMaxRetries:         5,
		OutboxBaseDelayMS:        10000,
		OutboxMaxDelayMS:         300000,
		OutboxSequenceStrategy:   SequenceCounter,
		OutboxAllocationAttempts: 10,
		KafkaTopic:               "card.events",
		KafkaRetryMax:            5,
		KafkaWriteMS:             5000,
		NATSSubjectPrefix:        "cards",
		NATSStream:               "CARD_EVENTS",
		WebhookTimeoutMS:         3000,
		ApprovalTTLSec:           259200,
		ApprovalSweepSec:         60,
		ApprovalBatchSize:        100,
		OtelInsecure:             true,
		OtelSampleRatio:          1.0,
	}
}

// Load resolves configuration from defaults, an optional JSON file and the
// environment, in that order. Invalid values are reported as problems and
// fall back to their defaults.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	problems := make([]Problem, 0, 4)
	problems = append(problems, loadDotEnv()...)

	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = envRaw
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != "")
	problems = append(problems, fileProblems...)
	if ok {
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
			if cfg.Env == "" {
				cfg.Env = strings.TrimSpace(fileEnv)
			}
		}
		applyConfigMap(&cfg, fileData, &problems)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, defaults(serviceNameDefault, httpPortDefault), &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func validate(cfg *Config, def Config, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = def.HTTPPort
	}
	positive(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, def.RequestTimeoutMS)
	positive(problems, "DB_MAX_CONNS", &cfg.DBMaxConns, def.DBMaxConns)
	nonNegative(problems, "DB_MIN_CONNS", &cfg.DBMinConns, def.DBMinConns)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, def.DBConnMaxIdleSec)
	positive(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, def.DBConnMaxLifeSec)
	nonNegative(problems, "REDIS_DB", &cfg.RedisDB, def.RedisDB)
	positive(problems, "IDEMPOTENCY_TTL_SEC", &cfg.IdempotencyTTLSec, def.IdempotencyTTLSec)
	positive(problems, "IDEMPOTENCY_PURGE_SEC", &cfg.IdempotencyPurgeSec, def.IdempotencyPurgeSec)
	nonNegative(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, def.AsynqRedisDB)
	positive(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, def.AsynqConcurrency)
	positive(problems, "OUTBOX_SCAN_SEC", &cfg.OutboxScanSec, def.OutboxScanSec)
	positive(problems, "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, def.OutboxBatchSize)
	positive(problems, "OUTBOX_MAX_RETRIES", &cfg.OutboxMaxRetries, def.OutboxMaxRetries)
	positive(problems, "OUTBOX_BASE_DELAY_MS", &cfg.OutboxBaseDelayMS, def.OutboxBaseDelayMS)
	positive(problems, "OUTBOX_MAX_DELAY_MS", &cfg.OutboxMaxDelayMS, def.OutboxMaxDelayMS)
	if cfg.OutboxMaxDelayMS < cfg.OutboxBaseDelayMS {
		*problems = append(*problems, Problem{Field: "OUTBOX_MAX_DELAY_MS", Message: "OUTBOX_MAX_DELAY_MS must be >= OUTBOX_BASE_DELAY_MS"})
		cfg.OutboxMaxDelayMS = cfg.OutboxBaseDelayMS
	}
	positive(problems, "OUTBOX_ALLOCATION_ATTEMPTS", &cfg.OutboxAllocationAttempts, def.OutboxAllocationAttempts)
	nonNegative(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, def.KafkaRetryMax)
	positive(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, def.KafkaWriteMS)
	positive(problems, "WEBHOOK_TIMEOUT_MS", &cfg.WebhookTimeoutMS, def.WebhookTimeoutMS)
	positive(problems, "APPROVAL_TTL_SEC", &cfg.ApprovalTTLSec, def.ApprovalTTLSec)
	positive(problems, "APPROVAL_SWEEP_SEC", &cfg.ApprovalSweepSec, def.ApprovalSweepSec)
	positive(problems, "APPROVAL_BATCH_SIZE", &cfg.ApprovalBatchSize, def.ApprovalBatchSize)
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = def.OtelSampleRatio
	}
}

func positive(problems *[]Problem, field string, v *int, fallback int) {
	if *v <= 0 {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
		*v = fallback
	}
}

func nonNegative(problems *[]Problem, field string, v *int, fallback int) {
	if *v < 0 {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be >= 0"})
		*v = fallback
	}
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}

func (c Config) OutboxBaseDelay() time.Duration {
	return time.Duration(c.OutboxBaseDelayMS) * time.Millisecond
}

func (c Config) OutboxMaxDelay() time.Duration {
	return time.Duration(c.OutboxMaxDelayMS) * time.Millisecond
}

func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSec) * time.Second
}

// loadDotEnv reads DOTENV_PATH, or ./.env when present. Existing environment
// variables always win.
func loadDotEnv() []Problem {
	if path := strings.TrimSpace(os.Getenv("DOTENV_PATH")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return []Problem{{Field: "DOTENV_PATH", Message: fmt.Sprintf("failed to load env file: %v", err)}}
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return []Problem{{Field: "DOTENV_PATH", Message: fmt.Sprintf("failed to load .env: %v", err)}}
		}
	}
	return nil
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, s := range settings {
		v := strings.TrimSpace(os.Getenv(s.key))
		if v == "" && s.key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		if err := s.apply(cfg, v); err != nil {
			*problems = append(*problems, Problem{Field: s.key, Message: err.Error()})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		s, ok := settingsByKey[key]
		if !ok {
			continue
		}
		if err := s.apply(cfg, v); err != nil {
			*problems = append(*problems, Problem{Field: key, Message: err.Error()})
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	s, ok := v.(string)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
