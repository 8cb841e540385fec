package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

const (
	selectGraphSQL = `SELECT document FROM graphs WHERE id = $1`

	lockGraphSQL = `SELECT version, created_at FROM graphs WHERE id = $1 FOR UPDATE`

	upsertGraphSQL = `INSERT INTO graphs (id, owner_id, version, document, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    owner_id = EXCLUDED.owner_id,
    version = EXCLUDED.version,
    document = EXCLUDED.document,
    updated_at = EXCLUDED.updated_at`

	selectExecutionSQL = `SELECT document FROM executions WHERE id = $1`

	upsertExecutionSQL = `INSERT INTO executions (id, graph_id, status, started_at, document)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    document = EXCLUDED.document`

	listExecutionsSQL = `SELECT document FROM executions WHERE graph_id = $1 ORDER BY started_at DESC LIMIT $2`
)

// PostgresStore keeps graphs and run records as JSONB documents. The
// version and timestamps are also kept in columns so they can be read under
// a row lock.
type PostgresStore struct {
	db       *sql.DB
	ownsDB   bool
	logger   *slog.Logger
	clockNow func() time.Time
}

func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:       db,
		logger:   logger.With("component", "graph-store", "backend", "postgres"),
		clockNow: time.Now,
	}
}

// OpenPostgresStore runs migrations when enabled, opens a pgx connection
// pool and verifies it with a ping.
func OpenPostgresStore(ctx context.Context, config domain.StorageConfig, logger *slog.Logger) (*PostgresStore, error) {
	if config.AutoMigrate {
		if err := Migrate(config.PostgresDSN, logger); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("pgx", config.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if config.MaxOpenConn > 0 {
		db.SetMaxOpenConns(config.MaxOpenConn)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := NewPostgresStore(db, logger)
	store.ownsDB = true
	store.logger.Info("database connection established")
	return store, nil
}

func (s *PostgresStore) LoadGraph(ctx context.Context, id string) (*domain.Graph, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx, selectGraphSQL, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("graph", id)
	}
	if err != nil {
		return nil, domain.NewInternalError("failed to load graph", err)
	}

	var graph domain.Graph
	if err := xjson.Unmarshal(document, &graph); err != nil {
		return nil, domain.NewInternalError("failed to decode graph", err)
	}
	return &graph, nil
}

func (s *PostgresStore) SaveGraph(ctx context.Context, graph *domain.Graph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewInternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var (
		version   int64
		createdAt time.Time
	)
	err = tx.QueryRowContext(ctx, lockGraphSQL, graph.ID).Scan(&version, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stampNewGraph(graph, s.clockNow())
	case err != nil:
		return domain.NewInternalError("failed to read graph version", err)
	default:
		stampGraphUpdate(graph, &domain.Graph{Version: version, CreatedAt: createdAt}, s.clockNow())
	}

	document, err := xjson.Marshal(graph)
	if err != nil {
		return domain.NewInternalError("failed to encode graph", err)
	}

	if _, err := tx.ExecContext(ctx, upsertGraphSQL,
		graph.ID, graph.OwnerID, graph.Version, string(document), graph.CreatedAt, graph.UpdatedAt); err != nil {
		return domain.NewInternalError("failed to save graph", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.NewInternalError("failed to commit graph", err)
	}

	s.logger.Debug("graph saved", "graph_id", graph.ID, "version", graph.Version)
	return nil
}

func (s *PostgresStore) LoadExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx, selectExecutionSQL, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("execution", id)
	}
	if err != nil {
		return nil, domain.NewInternalError("failed to load execution", err)
	}

	var record domain.ExecutionRecord
	if err := xjson.Unmarshal(document, &record); err != nil {
		return nil, domain.NewInternalError("failed to decode execution", err)
	}
	return &record, nil
}

func (s *PostgresStore) SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error {
	document, err := xjson.Marshal(record)
	if err != nil {
		return domain.NewInternalError("failed to encode execution", err)
	}

	if _, err := s.db.ExecContext(ctx, upsertExecutionSQL,
		record.ID, record.GraphID, string(record.Status), record.StartedAt, string(document)); err != nil {
		return domain.NewInternalError("failed to save execution", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, graphID string, limit int) ([]*domain.ExecutionRecord, error) {
	limitArg := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}

	rows, err := s.db.QueryContext(ctx, listExecutionsSQL, graphID, limitArg)
	if err != nil {
		return nil, domain.NewInternalError("failed to list executions", err)
	}
	defer rows.Close()

	records := make([]*domain.ExecutionRecord, 0)
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, domain.NewInternalError("failed to scan execution", err)
		}

		var record domain.ExecutionRecord
		if err := xjson.Unmarshal(document, &record); err != nil {
			return nil, domain.NewInternalError("failed to decode execution", err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewInternalError("failed to list executions", err)
	}
	return records, nil
}

func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close failed", "error", err)
		return err
	}
	return nil
}

var _ ports.GraphStore = (*PostgresStore)(nil)
