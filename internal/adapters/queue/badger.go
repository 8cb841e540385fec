package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// BadgerBackend keeps jobs in an embedded badger database. Status and owner
// index keys are maintained in the same transaction as the job document.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewBadgerBackend(db *badger.DB, logger *slog.Logger) *BadgerBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerBackend{
		db:     db,
		logger: logger.With("component", "queue-backend", "backend", "badger"),
	}
}

func (b *BadgerBackend) Name() string {
	return string(domain.QueueBackendBadger)
}

func (b *BadgerBackend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return badger.ErrDBClosed
	}
	return ctx.Err()
}

func (b *BadgerBackend) Save(ctx context.Context, job *domain.Job) error {
	data, err := job.ToBytes()
	if err != nil {
		return internalError("failed to encode job", err, job.ID)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		previous, err := loadJob(txn, job.ID)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if previous != nil {
			if err := txn.Delete([]byte(generateStatusKey(previous.Status, previous.CreatedAt, previous.ID))); err != nil {
				return err
			}
			if previous.OwnerID != "" {
				if err := txn.Delete([]byte(generateOwnerKey(previous.OwnerID, previous.CreatedAt, previous.ID))); err != nil {
					return err
				}
			}
		}

		if err := txn.Set([]byte(generateItemKey(job.ID)), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(generateStatusKey(job.Status, job.CreatedAt, job.ID)), nil); err != nil {
			return err
		}
		if job.OwnerID != "" {
			return txn.Set([]byte(generateOwnerKey(job.OwnerID, job.CreatedAt, job.ID)), nil)
		}
		return nil
	})
	if err != nil {
		return internalError("failed to save job", err, job.ID)
	}
	return nil
}

func (b *BadgerBackend) Load(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = loadJob(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, internalError("failed to load job", err, id)
	}
	return job, nil
}

func (b *BadgerBackend) Delete(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		job, err := loadJob(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(generateItemKey(id))); err != nil {
			return err
		}
		if err := txn.Delete([]byte(generateStatusKey(job.Status, job.CreatedAt, id))); err != nil {
			return err
		}
		if job.OwnerID != "" {
			return txn.Delete([]byte(generateOwnerKey(job.OwnerID, job.CreatedAt, id)))
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return internalError("failed to delete job", err, id)
	}
	return nil
}

func (b *BadgerBackend) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(getOwnerPrefix(ownerID))
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(jobs) >= limit {
				break
			}
			_, id, err := parseIndexKey(string(it.Item().Key()))
			if err != nil {
				b.logger.Warn("skipping malformed owner index key", "key", string(it.Item().Key()), "error", err)
				continue
			}
			job, err := loadJob(txn, id)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, internalError("failed to list jobs for owner", err, ownerID)
	}
	return jobs, nil
}

func (b *BadgerBackend) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, status := range statuses {
			prefix := []byte(getStatusPrefix(status))
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				_, id, err := parseIndexKey(string(it.Item().Key()))
				if err != nil {
					b.logger.Warn("skipping malformed status index key", "key", string(it.Item().Key()), "error", err)
					continue
				}
				job, err := loadJob(txn, id)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, internalError("failed to list jobs by status", err, "")
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (b *BadgerBackend) Counts(ctx context.Context) (map[domain.JobStatus]int, error) {
	counts := make(map[domain.JobStatus]int, len(domain.AllJobStatuses))
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, status := range domain.AllJobStatuses {
			prefix := []byte(getStatusPrefix(status))
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				counts[status]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, internalError("failed to count jobs", err, "")
	}
	return counts, nil
}

// Close is a no-op; the database is owned by whoever opened it.
func (b *BadgerBackend) Close() error {
	return nil
}

func loadJob(txn *badger.Txn, id string) (*domain.Job, error) {
	item, err := txn.Get([]byte(generateItemKey(id)))
	if err != nil {
		return nil, err
	}

	var job *domain.Job
	err = item.Value(func(val []byte) error {
		var err error
		job, err = domain.JobFromBytes(val)
		return err
	})
	return job, err
}

func internalError(message string, err error, id string) error {
	details := map[string]interface{}{
		"error": err.Error(),
	}
	if id != "" {
		details["id"] = id
	}
	return domain.Error{
		Type:    domain.ErrorTypeInternal,
		Message: message,
		Details: details,
		Cause:   err,
	}
}

var _ ports.JobBackend = (*BadgerBackend)(nil)
