package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// GraphStore persists graph definitions and their run history with
// last-write-wins semantics. Missing ids yield an error matching
// domain.ErrNotFound.
type GraphStore interface {
	LoadGraph(ctx context.Context, id string) (*domain.Graph, error)
	SaveGraph(ctx context.Context, graph *domain.Graph) error
	LoadExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error)
	SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error
	// ListExecutions returns the most recent runs of a graph, newest first.
	ListExecutions(ctx context.Context, graphID string, limit int) ([]*domain.ExecutionRecord, error)
	Close() error
}

// ExecutionSaver is the slice of GraphStore the executor needs.
type ExecutionSaver interface {
	SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error
}
