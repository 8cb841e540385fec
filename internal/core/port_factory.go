package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/adapters/queue"
	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// createStore opens the graph store. For the badger backend the database is
// returned too so the job backend can share it; the caller closes it.
func createStore(ctx context.Context, config *domain.Config, logger *slog.Logger) (ports.GraphStore, *badger.DB, error) {
	switch config.Storage.Backend {
	case domain.StorageBackendMemory, "":
		return memory.NewStore(), nil, nil
	case domain.StorageBackendBadger:
		db, err := storage.OpenBadger(config.Storage.DataDir, config.Storage.InMemory, logger)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewBadgerStore(db, logger), db, nil
	case domain.StorageBackendPostgres:
		store, err := storage.OpenPostgresStore(ctx, config.Storage, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, domain.NewConfigError("storage.backend", fmt.Errorf("unknown backend %q", config.Storage.Backend))
	}
}

// createJobBackend builds the queue backend. A badger backend without its own
// data dir reuses the store's database when there is one. The second return
// is a database opened here that the caller must close.
func createJobBackend(config *domain.Config, shared *badger.DB, logger *slog.Logger) (ports.JobBackend, *badger.DB, error) {
	switch config.Queue.Backend {
	case domain.QueueBackendMemory, "":
		return memory.NewJobBackend(), nil, nil
	case domain.QueueBackendRedis:
		return queue.NewRedisBackend(config.Redis, logger), nil, nil
	case domain.QueueBackendBadger:
		if shared != nil && config.Queue.DataDir == "" {
			return queue.NewBadgerBackend(shared, logger), nil, nil
		}
		db, err := storage.OpenBadger(config.Queue.DataDir, config.Queue.DataDir == "", logger)
		if err != nil {
			return nil, nil, err
		}
		return queue.NewBadgerBackend(db, logger), db, nil
	default:
		return nil, nil, domain.NewConfigError("queue.backend", fmt.Errorf("unknown backend %q", config.Queue.Backend))
	}
}
