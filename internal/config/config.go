package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration derived from environment variables.
// Algorithm tuning (bid bounds, weights, thresholds) is not here: it lives in
// the persisted parameter row, optionally seeded from ParamsFile.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RedisAddr     string
	ClickHouseDSN string
	PostgresDSN   string

	ServiceName string
	// ReloadInterval drives the account-data refresh loop.
	ReloadInterval time.Duration
	// ParamsFile optionally seeds algorithm parameters from YAML at boot.
	ParamsFile string

	// Scheduler.
	SchedulerPollInterval time.Duration
	WorkerCount           int
	PipelineTimeout       time.Duration

	// External platform call policy.
	PlatformCallTimeout time.Duration
	PlatformMaxRetries  int
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate int

	// Data plane.
	RealtimeStaleAfter time.Duration
	AMSBackfillAfter   time.Duration

	// Intraday pacing.
	PacingMinInterval time.Duration

	// Batch machine.
	BatchRollbackWindow time.Duration

	// Database connection pooling configuration.
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// ClickHouse connection pooling configuration.
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration

	// Tracing configuration.
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8088")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 10*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 30*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.ServiceName = getenv("SERVICE_NAME", "ads-optimizer")
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 60*time.Second)
	cfg.ParamsFile = getenv("PARAMS_FILE", "")

	cfg.SchedulerPollInterval = envDuration("SCHEDULER_POLL_INTERVAL", 30*time.Second)
	cfg.WorkerCount = envInt("WORKER_COUNT", 4)
	cfg.PipelineTimeout = envDuration("PIPELINE_TIMEOUT", 10*time.Minute)

	cfg.PlatformCallTimeout = envDuration("PLATFORM_CALL_TIMEOUT", 30*time.Second)
	cfg.PlatformMaxRetries = envInt("PLATFORM_MAX_RETRIES", 3)
	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 10)
	cfg.RateLimitRefillRate = envInt("RATE_LIMIT_REFILL_RATE", 2)

	cfg.RealtimeStaleAfter = envDuration("REALTIME_STALE_AFTER", 30*time.Minute)
	cfg.AMSBackfillAfter = envDuration("AMS_BACKFILL_AFTER", 4*time.Hour)

	// The pacing loop never runs more often than this, whatever the task
	// schedule says.
	cfg.PacingMinInterval = envDuration("PACING_MIN_INTERVAL", 15*time.Minute)

	cfg.BatchRollbackWindow = envDuration("BATCH_ROLLBACK_WINDOW", 72*time.Hour)

	// Database connection pooling configuration.
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// ClickHouse pooling: higher than Postgres because of async inserts and
	// snapshot query volume.
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 100)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 25)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Tracing configuration.
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.OTLPEndpoint = getenv("OTLP_ENDPOINT", "localhost:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
