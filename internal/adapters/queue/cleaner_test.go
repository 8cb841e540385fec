package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/domain"
)

func TestCleaner_Sweep(t *testing.T) {
	backend := memory.NewJobBackend()
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	seed := []*domain.Job{
		{ID: "old-completed", Status: domain.JobStatusCompleted, CreatedAt: old, FinishedAt: &old},
		{ID: "old-failed", Status: domain.JobStatusFailed, CreatedAt: old, FinishedAt: &old},
		{ID: "recent-completed", Status: domain.JobStatusCompleted, CreatedAt: recent, FinishedAt: &recent},
		{ID: "old-waiting", Status: domain.JobStatusWaiting, CreatedAt: old},
	}
	for _, job := range seed {
		require.NoError(t, backend.Save(ctx, job))
	}

	cleaner := NewCleaner(backend, 24*time.Hour, "@hourly", discardLogger())
	cleaner.now = func() time.Time { return now }

	removed, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, id := range []string{"old-completed", "old-failed"} {
		_, err := backend.Load(ctx, id)
		assert.True(t, domain.IsNotFound(err), id)
	}
	for _, id := range []string{"recent-completed", "old-waiting"} {
		_, err := backend.Load(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestCleaner_SweepBackendOffline(t *testing.T) {
	backend := memory.NewJobBackend()
	backend.SetOffline(true)

	cleaner := NewCleaner(backend, time.Hour, "@hourly", discardLogger())
	_, err := cleaner.Sweep(context.Background())

	var domainErr domain.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, domain.ErrorTypeInternal, domainErr.Type)
}

func TestCleaner_Start(t *testing.T) {
	tests := []struct {
		name      string
		retention time.Duration
		schedule  string
		wantErr   bool
	}{
		{name: "valid descriptor", retention: time.Hour, schedule: "@every 1h"},
		{name: "valid cron expression", retention: time.Hour, schedule: "0 3 * * *"},
		{name: "disabled by retention", retention: 0, schedule: "not a schedule"},
		{name: "disabled by schedule", retention: time.Hour, schedule: ""},
		{name: "invalid schedule", retention: time.Hour, schedule: "every tuesday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaner := NewCleaner(memory.NewJobBackend(), tt.retention, tt.schedule, discardLogger())
			err := cleaner.Start(context.Background())
			defer cleaner.Stop()

			if tt.wantErr {
				var configErr *domain.ConfigError
				require.True(t, errors.As(err, &configErr))
				assert.Equal(t, "queue.cleanup_schedule", configErr.Field)
				return
			}
			assert.NoError(t, err)
		})
	}
}
