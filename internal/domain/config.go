package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-" yaml:"-"`

	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Queue   QueueConfig   `json:"queue" yaml:"queue"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Redis   RedisConfig   `json:"redis" yaml:"redis"`
	API     APIConfig     `json:"api" yaml:"api"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type EngineConfig struct {
	// MaxParallelism bounds the goroutines fanned out for one parallel step.
	// Zero means one goroutine per node in the step.
	MaxParallelism  int           `json:"max_parallelism" yaml:"max_parallelism"`
	DefaultNodeCost time.Duration `json:"default_node_cost" yaml:"default_node_cost"`
	NodeTimeout     time.Duration `json:"node_timeout" yaml:"node_timeout"`
}

type QueueBackendType string

const (
	QueueBackendMemory QueueBackendType = "memory"
	QueueBackendRedis  QueueBackendType = "redis"
	QueueBackendBadger QueueBackendType = "badger"
)

type QueueConfig struct {
	Enabled         bool             `json:"enabled" yaml:"enabled"`
	Backend         QueueBackendType `json:"backend" yaml:"backend"`
	Concurrency     int              `json:"concurrency" yaml:"concurrency"`
	MaxAttempts     int              `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase     time.Duration    `json:"backoff_base" yaml:"backoff_base"`
	MaxBackoff      time.Duration    `json:"max_backoff" yaml:"max_backoff"`
	HealthInterval  time.Duration    `json:"health_interval" yaml:"health_interval"`
	PingTimeout     time.Duration    `json:"ping_timeout" yaml:"ping_timeout"`
	RetentionPeriod time.Duration    `json:"retention_period" yaml:"retention_period"`
	CleanupSchedule string           `json:"cleanup_schedule" yaml:"cleanup_schedule"`
	DataDir         string           `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
}

type StorageBackendType string

const (
	StorageBackendMemory   StorageBackendType = "memory"
	StorageBackendBadger   StorageBackendType = "badger"
	StorageBackendPostgres StorageBackendType = "postgres"
)

type StorageConfig struct {
	Backend     StorageBackendType `json:"backend" yaml:"backend"`
	DataDir     string             `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	InMemory    bool               `json:"in_memory" yaml:"in_memory"`
	PostgresDSN string             `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	AutoMigrate bool               `json:"auto_migrate" yaml:"auto_migrate"`
	MaxOpenConn int                `json:"max_open_conn" yaml:"max_open_conn"`
}

type RedisConfig struct {
	Addr        string        `json:"addr" yaml:"addr"`
	Password    string        `json:"password,omitempty" yaml:"password,omitempty"`
	DB          int           `json:"db" yaml:"db"`
	KeyPrefix   string        `json:"key_prefix" yaml:"key_prefix"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

type APIConfig struct {
	Enabled         bool            `json:"enabled" yaml:"enabled"`
	Addr            string          `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration   `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration   `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	SubmitRateLimit RateLimitConfig `json:"submit_rate_limit" yaml:"submit_rate_limit"`
}

// RateLimitConfig bounds how fast one client may submit runs and jobs.
// A RequestsPerSecond of zero or less disables the limit.
type RateLimitConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `json:"burst" yaml:"burst"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}
