package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/eleven-am/weft/internal/xjson"
)

func DefaultConfig() *Config {
	return &Config{
		Engine:  DefaultEngineConfig(),
		Queue:   DefaultQueueConfig(),
		Storage: DefaultStorageConfig(),
		Redis:   DefaultRedisConfig(),
		API:     DefaultAPIConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelism:  0,
		DefaultNodeCost: time.Second,
		NodeTimeout:     10 * time.Minute,
	}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Enabled:         false,
		Backend:         QueueBackendMemory,
		Concurrency:     4,
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		MaxBackoff:      5 * time.Minute,
		HealthInterval:  15 * time.Second,
		PingTimeout:     2 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour,
		CleanupSchedule: "@hourly",
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:     StorageBackendMemory,
		AutoMigrate: true,
		MaxOpenConn: 10,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		KeyPrefix:   "weft",
		DialTimeout: 2 * time.Second,
	}
}

func DefaultAPIConfig() APIConfig {
	return APIConfig{
		Enabled:         true,
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		SubmitRateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			KeyExpiry:         10 * time.Minute,
		},
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "weft",
	}
}

// LoadConfig reads a YAML or JSON file and merges it over DefaultConfig.
// Zero values in the file leave the defaults in place.
func LoadConfig(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("path", fmt.Errorf("read %s: %w", path, err))
	}

	var fileConfig Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = xjson.Unmarshal(data, &fileConfig)
	default:
		err = yaml.Unmarshal(data, &fileConfig)
	}
	if err != nil {
		return nil, NewConfigError("path", fmt.Errorf("parse %s: %w", path, err))
	}

	config := DefaultConfig()
	if err := mergo.Merge(config, fileConfig, mergo.WithOverride); err != nil {
		return nil, NewConfigError("merge", err)
	}

	config.Logger = logger
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) WithQueue(backend QueueBackendType, concurrency, maxAttempts int) *Config {
	c.Queue.Enabled = true
	c.Queue.Backend = backend
	c.Queue.Concurrency = concurrency
	c.Queue.MaxAttempts = maxAttempts
	return c
}

func (c *Config) WithStorage(backend StorageBackendType, dataDir string) *Config {
	c.Storage.Backend = backend
	c.Storage.DataDir = dataDir
	return c
}

func (c *Config) Validate() error {
	if c.Engine.MaxParallelism < 0 {
		return NewConfigError("engine.max_parallelism", ErrInvalidConfig)
	}
	if c.Engine.DefaultNodeCost <= 0 {
		return NewConfigError("engine.default_node_cost", ErrInvalidConfig)
	}

	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendBadger:
		if c.Storage.DataDir == "" && !c.Storage.InMemory {
			return NewConfigError("storage.data_dir", ErrInvalidConfig)
		}
	case StorageBackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return NewConfigError("storage.postgres_dsn", ErrInvalidConfig)
		}
	default:
		return NewConfigError("storage.backend", fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Storage.Backend))
	}

	if limit := c.API.SubmitRateLimit; limit.RequestsPerSecond > 0 && limit.Burst <= 0 {
		return NewConfigError("api.submit_rate_limit.burst", ErrInvalidConfig)
	}

	if !c.Queue.Enabled {
		return nil
	}

	if c.Queue.Concurrency <= 0 {
		return NewConfigError("queue.concurrency", ErrInvalidConfig)
	}
	if c.Queue.MaxAttempts <= 0 {
		return NewConfigError("queue.max_attempts", ErrInvalidConfig)
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.MaxBackoff < c.Queue.BackoffBase {
		return NewConfigError("queue.backoff", ErrInvalidConfig)
	}

	switch c.Queue.Backend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.Redis.Addr == "" {
			return NewConfigError("redis.addr", ErrInvalidConfig)
		}
	case QueueBackendBadger:
		if c.Queue.DataDir == "" {
			return NewConfigError("queue.data_dir", ErrInvalidConfig)
		}
	default:
		return NewConfigError("queue.backend", fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Queue.Backend))
	}

	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
