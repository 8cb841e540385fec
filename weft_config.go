package weft

import (
	"log/slog"

	"github.com/eleven-am/weft/internal/domain"
)

type Config = domain.Config

type EngineConfig = domain.EngineConfig

type QueueConfig = domain.QueueConfig

type StorageConfig = domain.StorageConfig

type RedisConfig = domain.RedisConfig

type APIConfig = domain.APIConfig

type MetricsConfig = domain.MetricsConfig

type QueueBackendType = domain.QueueBackendType

const (
	QueueBackendMemory QueueBackendType = domain.QueueBackendMemory
	QueueBackendRedis  QueueBackendType = domain.QueueBackendRedis
	QueueBackendBadger QueueBackendType = domain.QueueBackendBadger
)

type StorageBackendType = domain.StorageBackendType

const (
	StorageBackendMemory   StorageBackendType = domain.StorageBackendMemory
	StorageBackendBadger   StorageBackendType = domain.StorageBackendBadger
	StorageBackendPostgres StorageBackendType = domain.StorageBackendPostgres
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML or JSON file over the defaults.
func LoadConfig(path string, logger *slog.Logger) (*Config, error) {
	return domain.LoadConfig(path, logger)
}
