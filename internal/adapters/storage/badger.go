package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

// BadgerStore persists graphs and run records in badger. Runs are indexed
// per graph by start time so listing is a prefix scan.
type BadgerStore struct {
	db       *badger.DB
	ownsDB   bool
	stopGC   context.CancelFunc
	logger   *slog.Logger
	clockNow func() time.Time
}

// NewBadgerStore wraps a database opened elsewhere. Close leaves it open.
func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:       db,
		logger:   logger.With("component", "graph-store", "backend", "badger"),
		clockNow: time.Now,
	}
}

// OpenBadgerStore opens its own database from config and closes it on Close.
func OpenBadgerStore(config domain.StorageConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := OpenBadger(config.DataDir, config.InMemory, logger)
	if err != nil {
		return nil, err
	}

	store := NewBadgerStore(db, logger)
	store.ownsDB = true

	if !config.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		store.stopGC = cancel
		go RunGarbageCollection(ctx, db, store.logger)
	}
	return store, nil
}

func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func (s *BadgerStore) LoadGraph(ctx context.Context, id string) (*domain.Graph, error) {
	var graph domain.Graph
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, domain.GraphKey(id), &graph)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.NewNotFoundError("graph", id)
	}
	if err != nil {
		return nil, domain.NewInternalError("failed to load graph", err)
	}
	return &graph, nil
}

func (s *BadgerStore) SaveGraph(ctx context.Context, graph *domain.Graph) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var existing domain.Graph
		err := getJSON(txn, domain.GraphKey(graph.ID), &existing)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			stampNewGraph(graph, s.clockNow())
		case err != nil:
			return err
		default:
			stampGraphUpdate(graph, &existing, s.clockNow())
		}
		return setJSON(txn, domain.GraphKey(graph.ID), graph)
	})
	if err != nil {
		return domain.NewInternalError("failed to save graph", err)
	}

	s.logger.Debug("graph saved", "graph_id", graph.ID, "version", graph.Version)
	return nil
}

func (s *BadgerStore) LoadExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	var record domain.ExecutionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, domain.ExecutionKey(id), &record)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, domain.NewInternalError("failed to load execution", err)
	}
	return &record, nil
}

func (s *BadgerStore) SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error {
	indexKey := domain.ExecutionIndexKey(record.GraphID, record.StartedAt.UnixNano(), record.ID)

	err := s.db.Update(func(txn *badger.Txn) error {
		var previous domain.ExecutionRecord
		err := getJSON(txn, domain.ExecutionKey(record.ID), &previous)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			oldKey := domain.ExecutionIndexKey(previous.GraphID, previous.StartedAt.UnixNano(), previous.ID)
			if oldKey != indexKey {
				if err := txn.Delete([]byte(oldKey)); err != nil {
					return err
				}
			}
		}

		if err := setJSON(txn, domain.ExecutionKey(record.ID), record); err != nil {
			return err
		}
		return txn.Set([]byte(indexKey), []byte(record.ID))
	})
	if err != nil {
		return domain.NewInternalError("failed to save execution", err)
	}
	return nil
}

func (s *BadgerStore) ListExecutions(ctx context.Context, graphID string, limit int) ([]*domain.ExecutionRecord, error) {
	records := make([]*domain.ExecutionRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(domain.ExecutionIndexPrefix(graphID))
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}

			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var record domain.ExecutionRecord
			if err := getJSON(txn, domain.ExecutionKey(string(id)), &record); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					s.logger.Warn("dangling execution index entry", "graph_id", graphID, "execution_id", string(id))
					continue
				}
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewInternalError("failed to list executions", err)
	}
	return records, nil
}

func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		s.stopGC()
	}
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close badger database", "error", err)
		return err
	}
	return nil
}

func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return xjson.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := xjson.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func stampNewGraph(graph *domain.Graph, now time.Time) {
	graph.Version = 1
	graph.CreatedAt = now
	graph.UpdatedAt = now
}

func stampGraphUpdate(graph, existing *domain.Graph, now time.Time) {
	graph.Version = existing.Version + 1
	graph.CreatedAt = existing.CreatedAt
	graph.UpdatedAt = now
}

var _ ports.GraphStore = (*BadgerStore)(nil)
