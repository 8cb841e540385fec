package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weft/internal/domain"
)

const gcInterval = 5 * time.Minute

// OpenBadger opens the badger database shared by the graph store and the
// badger job backend. An empty dir requires inMemory.
func OpenBadger(dir string, inMemory bool, logger *slog.Logger) (*badger.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !inMemory {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, domain.Error{
				Type:    domain.ErrorTypeInternal,
				Message: "failed to create data directory",
				Details: map[string]interface{}{
					"data_dir": dir,
					"error":    err.Error(),
				},
			}
		}
	}

	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to open badger database",
			Details: map[string]interface{}{
				"data_dir": dir,
				"error":    err.Error(),
			},
		}
	}
	return db, nil
}

// RunGarbageCollection reclaims value log space until ctx is cancelled.
func RunGarbageCollection(ctx context.Context, db *badger.DB, logger *slog.Logger) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db.IsClosed() {
				return
			}
			lsm, vlog := db.Size()
			logger.Debug("running garbage collection",
				"lsm_size", lsm,
				"vlog_size", vlog)

			err := db.RunValueLogGC(0.5)
			if err != nil && err != badger.ErrNoRewrite {
				logger.Error("garbage collection failed", "error", err)
			}
		}
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
