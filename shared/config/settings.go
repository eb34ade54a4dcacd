package config

import (
	"errors"
	"strings"
)

// setting binds one key, shared by the JSON file and the environment, to a Config field.
type setting struct {
	key   string
	apply func(cfg *Config, raw any) error
}

var settings = []setting{
	stringSetting("SERVICE_NAME", func(c *Config) *string { return &c.ServiceName }),
	intSetting("HTTP_PORT", func(c *Config) *int { return &c.HTTPPort }),
	stringSetting("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
	intSetting("REQUEST_TIMEOUT_MS", func(c *Config) *int { return &c.RequestTimeoutMS }),
	enumSetting("STORE_BACKEND", []string{StoreMemory, StorePostgres, StoreSQLite}, func(c *Config) *string { return &c.StoreBackend }),
	stringSetting("DATABASE_URL", func(c *Config) *string { return &c.DatabaseURL }),
	intSetting("DB_MAX_CONNS", func(c *Config) *int { return &c.DBMaxConns }),
	intSetting("DB_MIN_CONNS", func(c *Config) *int { return &c.DBMinConns }),
	intSetting("DB_CONN_MAX_IDLE_SECONDS", func(c *Config) *int { return &c.DBConnMaxIdleSec }),
	intSetting("DB_CONN_MAX_LIFETIME_SECONDS", func(c *Config) *int { return &c.DBConnMaxLifeSec }),
	stringSetting("SQLITE_PATH", func(c *Config) *string { return &c.SQLitePath }),
	stringSetting("REDIS_ADDR", func(c *Config) *string { return &c.RedisAddr }),
	stringSetting("REDIS_PASSWORD", func(c *Config) *string { return &c.RedisPassword }),
	intSetting("REDIS_DB", func(c *Config) *int { return &c.RedisDB }),
	enumSetting("IDEMPOTENCY_BACKEND", []string{IdempotencyDocstore, IdempotencyRedis}, func(c *Config) *string { return &c.IdempotencyBackend }),
	intSetting("IDEMPOTENCY_TTL_SEC", func(c *Config) *int { return &c.IdempotencyTTLSec }),
	intSetting("IDEMPOTENCY_PURGE_SEC", func(c *Config) *int { return &c.IdempotencyPurgeSec }),
	boolSetting("ASYNQ_ENABLED", func(c *Config) *bool { return &c.AsynqEnabled }),
	stringSetting("ASYNQ_REDIS_ADDR", func(c *Config) *string { return &c.AsynqRedisAddr }),
	stringSetting("ASYNQ_REDIS_PASSWORD", func(c *Config) *string { return &c.AsynqRedisPass }),
	intSetting("ASYNQ_REDIS_DB", func(c *Config) *int { return &c.AsynqRedisDB }),
	stringSetting("ASYNQ_QUEUE", func(c *Config) *string { return &c.AsynqQueue }),
	intSetting("ASYNQ_CONCURRENCY", func(c *Config) *int { return &c.AsynqConcurrency }),
	enumSetting("OUTBOX_PUBLISHER", []string{PublisherLog, PublisherKafka, PublisherNATS, PublisherWebhook}, func(c *Config) *string { return &c.OutboxPublisher }),
	intSetting("OUTBOX_SCAN_SEC", func(c *Config) *int { return &c.OutboxScanSec }),
	intSetting("OUTBOX_BATCH_SIZE", func(c *Config) *int { return &c.OutboxBatchSize }),
	intSetting("OUTBOX_MAX_RETRIES", func(c *Config) *int { return &c.OutboxMaxRetries }),
	intSetting("OUTBOX_BASE_DELAY_MS", func(c *Config) *int { return &c.OutboxBaseDelayMS }),
	intSetting("OUTBOX_MAX_DELAY_MS", func(c *Config) *int { return &c.OutboxMaxDelayMS }),
	enumSetting("OUTBOX_SEQUENCE_STRATEGY", []string{SequenceCounter, SequenceScan}, func(c *Config) *string { return &c.OutboxSequenceStrategy }),
	intSetting("OUTBOX_ALLOCATION_ATTEMPTS", func(c *Config) *int { return &c.OutboxAllocationAttempts }),
	csvSetting("KAFKA_BROKERS", func(c *Config) *[]string { return &c.KafkaBrokers }),
	stringSetting("KAFKA_CLIENT_ID", func(c *Config) *string { return &c.KafkaClientID }),
	stringSetting("KAFKA_TOPIC", func(c *Config) *string { return &c.KafkaTopic }),
	intSetting("KAFKA_RETRY_MAX", func(c *Config) *int { return &c.KafkaRetryMax }),
	intSetting("KAFKA_WRITE_TIMEOUT_MS", func(c *Config) *int { return &c.KafkaWriteMS }),
	stringSetting("NATS_URL", func(c *Config) *string { return &c.NATSURL }),
	stringSetting("NATS_SUBJECT_PREFIX", func(c *Config) *string { return &c.NATSSubjectPrefix }),
	stringSetting("NATS_STREAM", func(c *Config) *string { return &c.NATSStream }),
	stringSetting("WEBHOOK_URL", func(c *Config) *string { return &c.WebhookURL }),
	intSetting("WEBHOOK_TIMEOUT_MS", func(c *Config) *int { return &c.WebhookTimeoutMS }),
	intSetting("APPROVAL_TTL_SEC", func(c *Config) *int { return &c.ApprovalTTLSec }),
	intSetting("APPROVAL_SWEEP_SEC", func(c *Config) *int { return &c.ApprovalSweepSec }),
	intSetting("APPROVAL_BATCH_SIZE", func(c *Config) *int { return &c.ApprovalBatchSize }),
	boolSetting("OTEL_ENABLED", func(c *Config) *bool { return &c.OtelEnabled }),
	stringSetting("OTEL_EXPORTER_OTLP_ENDPOINT", func(c *Config) *string { return &c.OtelEndpoint }),
	boolSetting("OTEL_EXPORTER_OTLP_INSECURE", func(c *Config) *bool { return &c.OtelInsecure }),
	floatSetting("OTEL_SAMPLE_RATIO", func(c *Config) *float64 { return &c.OtelSampleRatio }),
}

var settingsByKey = func() map[string]setting {
	out := make(map[string]setting, len(settings))
	for _, s := range settings {
		out[s.key] = s
	}
	return out
}()

func stringSetting(key string, field func(*Config) *string) setting {
	return setting{key: key, apply: func(cfg *Config, raw any) error {
		s, ok := raw.(string)
		if !ok {
			return errors.New(key + " must be a string")
		}
		*field(cfg) = strings.TrimSpace(s)
		return nil
	}}
}

func enumSetting(key string, allowed []string, field func(*Config) *string) setting {
	return setting{key: key, apply: func(cfg *Config, raw any) error {
		s, ok := raw.(string)
		if !ok {
			return errors.New(key + " must be a string")
		}
		s = strings.ToLower(strings.TrimSpace(s))
		for _, a := range allowed {
			if s == a {
				*field(cfg) = s
				return nil
			}
		}
		return errors.New(key + " must be one of " + strings.Join(allowed, "|"))
	}}
}

func intSetting(key string, field func(*Config) *int) setting {
	return setting{key: key, apply: func(cfg *Config, raw any) error {
		n, ok := asInt(raw)
		if !ok {
			return errors.New(key + " must be an integer")
		}
		*field(cfg) = n
		return nil
	}}
}

func boolSetting(key string, field func(*Config) *bool) setting {
	return setting{key: key, apply: func(cfg *Config, raw any) error {
		b, ok := asBool(raw)
		if !ok {
			return errors.New(key + " must be a boolean")
		}
		*field(cfg) = b
		return nil
	}}
}

func floatSetting(key string, field func(*Config) *float64) setting {
	return setting{key: key, apply: func(cfg *Config, raw any) error {
		f, ok := asFloat(raw)
		if !ok {
			return errors.New(key + " must be a number")
		}
		*field(cfg) = f
		return nil
	}}
}

func csvSetting(key string, field func(*Config) *[]string) setting {
	return setting{key: key, apply: func(cfg *Config, raw any) error {
		switch t := raw.(type) {
		case string:
			*field(cfg) = parseCSV(t)
		case []any:
			*field(cfg) = parseAnyCSV(t)
		default:
			return errors.New(key + " must be a list or comma separated string")
		}
		return nil
	}}
}
