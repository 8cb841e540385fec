package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

var errBackendOffline = errors.New("memory job backend is offline")

// JobBackend is a process-local job store. SetOffline makes every call fail
// the way an unreachable network backend would.
type JobBackend struct {
	mu      sync.RWMutex
	jobs    map[string]*domain.Job
	offline bool
}

func NewJobBackend() *JobBackend {
	return &JobBackend{jobs: make(map[string]*domain.Job)}
}

func (b *JobBackend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

func (b *JobBackend) Name() string {
	return "memory"
}

func (b *JobBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.offline {
		return errBackendOffline
	}
	return ctx.Err()
}

func (b *JobBackend) Save(ctx context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return errBackendOffline
	}
	b.jobs[job.ID] = job.Clone()
	return nil
}

func (b *JobBackend) Load(ctx context.Context, id string) (*domain.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.offline {
		return nil, errBackendOffline
	}
	job, ok := b.jobs[id]
	if !ok {
		return nil, domain.NewNotFoundError("job", id)
	}
	return job.Clone(), nil
}

func (b *JobBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return errBackendOffline
	}
	delete(b.jobs, id)
	return nil
}

func (b *JobBackend) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.offline {
		return nil, errBackendOffline
	}

	var jobs []*domain.Job
	for _, job := range b.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job.Clone())
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (b *JobBackend) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]*domain.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.offline {
		return nil, errBackendOffline
	}

	wanted := make(map[domain.JobStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var jobs []*domain.Job
	for _, job := range b.jobs {
		if wanted[job.Status] {
			jobs = append(jobs, job.Clone())
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (b *JobBackend) Counts(ctx context.Context) (map[domain.JobStatus]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.offline {
		return nil, errBackendOffline
	}

	counts := make(map[domain.JobStatus]int, len(domain.AllJobStatuses))
	for _, job := range b.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (b *JobBackend) Close() error {
	return nil
}

var _ ports.JobBackend = (*JobBackend)(nil)
