package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
)

// JobBackend is the durable store behind the job queue. Connection failures
// must surface as errors from Ping so the queue can degrade instead of
// crashing.
type JobBackend interface {
	Name() string
	Ping(ctx context.Context) error
	Save(ctx context.Context, job *domain.Job) error
	Load(ctx context.Context, id string) (*domain.Job, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error)
	ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error)
	Counts(ctx context.Context) (map[domain.JobStatus]int, error)
	Close() error
}

// ProgressFunc reports job progress in percent.
type ProgressFunc func(percent int)

// JobHandler executes one attempt of a job. The job passed in is a copy;
// handlers report progress through the callback and never mutate queue state.
type JobHandler func(ctx context.Context, job *domain.Job, progress ProgressFunc) (xjson.RawMessage, error)

type JobQueuePort interface {
	RegisterHandler(jobType string, handler JobHandler) error
	Submit(ctx context.Context, req domain.JobRequest) (string, error)
	GetStatus(ctx context.Context, jobID string) (*domain.Job, error)
	ListForOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Stats(ctx context.Context) domain.QueueStats
	Available() bool
}
