package main

import "time"

// AppConfig holds process-level settings. Component configs (pg, redis,
// gateway, billing, http) are loaded separately by their own types.
type AppConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`
	LogLevel    string `env:"LOG_LEVEL"`

	JWTSecret  string `env:"JWT_SECRET,required"`
	JWTIssuer  string `env:"JWT_ISSUER"`
	CronSecret string `env:"CRON_SECRET"`

	// CatalogPath points at a YAML plan catalog; the built-in one is used when empty.
	CatalogPath string `env:"CATALOG_PATH"`

	// StoreDriver is "postgres" or "memory". The memory driver is for local runs.
	StoreDriver string   `env:"STORE_DRIVER" envDefault:"postgres"`
	DevUsers    []string `env:"DEV_USERS" envSeparator:","`
}

// RateLimitConfig throttles intent status polling per client IP.
type RateLimitConfig struct {
	Store          string        `env:"RATE_LIMIT_STORE" envDefault:"memory"` // memory | redis
	Capacity       int           `env:"RATE_LIMIT_STATUS_CAPACITY" envDefault:"30"`
	RefillRate     int           `env:"RATE_LIMIT_STATUS_REFILL" envDefault:"30"`
	RefillInterval time.Duration `env:"RATE_LIMIT_STATUS_INTERVAL" envDefault:"1m"`
	RedisPrefix    string        `env:"RATE_LIMIT_REDIS_PREFIX" envDefault:"billing:ratelimit"`
}

// SchedulerConfig enables in-process sweeps. Leave it off when an external
// cron calls the /cron endpoints.
type SchedulerConfig struct {
	Enabled               bool          `env:"SCHEDULER_ENABLED" envDefault:"false"`
	JobTimeout            time.Duration `env:"SCHEDULER_JOB_TIMEOUT" envDefault:"10m"`
	ResetQuotas           string        `env:"CRON_RESET_QUOTAS" envDefault:"*/15 * * * *"`
	CleanupExpiredTrials  string        `env:"CRON_CLEANUP_EXPIRED_TRIALS" envDefault:"*/30 * * * *"`
	CleanupCancelled      string        `env:"CRON_CLEANUP_CANCELLED" envDefault:"0 * * * *"`
	CleanupPaymentIntents string        `env:"CRON_CLEANUP_PAYMENT_INTENTS" envDefault:"*/10 * * * *"`
}
