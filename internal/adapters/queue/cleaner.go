package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Cleaner removes finished jobs once they are older than the retention
// period. Sweeps run on a cron schedule.
type Cleaner struct {
	backend   ports.JobBackend
	retention time.Duration
	schedule  string
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewCleaner(backend ports.JobBackend, retention time.Duration, schedule string, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		backend:   backend,
		retention: retention,
		schedule:  schedule,
		logger:    logger.With("component", "queue-cleaner"),
		now:       time.Now,
	}
}

// Start registers the sweep with the scheduler. A zero retention or an empty
// schedule disables cleaning.
func (c *Cleaner) Start(ctx context.Context) error {
	if c.retention <= 0 || c.schedule == "" {
		c.logger.Debug("job retention disabled")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		return domain.ErrAlreadyStarted
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(c.schedule, func() {
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Warn("job retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return domain.NewConfigError("queue.cleanup_schedule", err)
	}

	scheduler.Start()
	c.cron = scheduler
	c.logger.Info("job retention sweeper started", "schedule", c.schedule, "retention", c.retention)
	return nil
}

func (c *Cleaner) Stop() {
	c.mu.Lock()
	scheduler := c.cron
	c.cron = nil
	c.mu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}

// Sweep deletes finished jobs whose FinishedAt is older than the retention
// period and returns how many were removed.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	jobs, err := c.backend.ListByStatus(ctx, domain.JobStatusCompleted, domain.JobStatusFailed)
	if err != nil {
		return 0, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to list finished jobs",
			Details: map[string]interface{}{
				"error": err.Error(),
			},
			Cause: err,
		}
	}

	cutoff := c.now().Add(-c.retention)
	removed := 0
	for _, job := range jobs {
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		if err := c.backend.Delete(ctx, job.ID); err != nil {
			return removed, domain.Error{
				Type:    domain.ErrorTypeInternal,
				Message: "failed to delete expired job",
				Details: map[string]interface{}{
					"job_id": job.ID,
					"error":  err.Error(),
				},
				Cause: err,
			}
		}
		removed++
	}

	if removed > 0 {
		c.logger.Info("expired jobs removed", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}
