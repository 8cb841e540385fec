package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

const testJobType = "document.batch"

type recordingMetrics struct {
	ports.NoopMetrics
	mu           sync.Mutex
	submitted    int
	finished     []string
	retried      int
	availability []bool
}

func (m *recordingMetrics) JobSubmitted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted++
}

func (m *recordingMetrics) JobFinished(_ string, status string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, status)
}

func (m *recordingMetrics) JobRetried(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried++
}

func (m *recordingMetrics) QueueAvailability(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability = append(m.availability, available)
}

func (m *recordingMetrics) snapshot() (int, []string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted, append([]string(nil), m.finished...), m.retried
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() domain.QueueConfig {
	return domain.QueueConfig{
		Enabled:        true,
		Backend:        domain.QueueBackendMemory,
		Concurrency:    2,
		MaxAttempts:    3,
		BackoffBase:    5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
		PingTimeout:    200 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, backend ports.JobBackend, config domain.QueueConfig, handler ports.JobHandler) (*Queue, *recordingMetrics) {
	t.Helper()

	metrics := &recordingMetrics{}
	q := New(config, backend, discardLogger(), metrics)
	require.NoError(t, q.RegisterHandler(testJobType, handler))
	return q, metrics
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop() })
}

func waitForStatus(t *testing.T, q *Queue, id string, status domain.JobStatus) *domain.Job {
	t.Helper()

	var job *domain.Job
	require.Eventually(t, func() bool {
		current, err := q.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		job = current
		return current.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func succeed(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
	progress(50)
	return xjson.RawMessage(`{"pages":3}`), nil
}

func TestQueue_ProcessesJob(t *testing.T) {
	q, metrics := newTestQueue(t, memory.NewJobBackend(), testConfig(), succeed)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{
		Type:    testJobType,
		OwnerID: "alice",
		Payload: xjson.RawMessage(`{"files":["a.pdf"]}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job := waitForStatus(t, q, id, domain.JobStatusCompleted)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"pages":3}`, string(job.Result))
	assert.NotNil(t, job.ProcessedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.Empty(t, job.FailureReason)

	submitted, finished, _ := metrics.snapshot()
	assert.Equal(t, 1, submitted)
	assert.Equal(t, []string{"completed"}, finished)
}

func TestQueue_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
		if n := calls.Add(1); n < 3 {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return nil, nil
	}

	q, metrics := newTestQueue(t, memory.NewJobBackend(), testConfig(), handler)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.JobStatusCompleted)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	_, finished, retried := metrics.snapshot()
	assert.Equal(t, 2, retried)
	assert.Equal(t, []string{"completed"}, finished)
}

func TestQueue_FailsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
		return nil, fmt.Errorf("ocr service down (call %d)", calls.Add(1))
	}

	q, metrics := newTestQueue(t, memory.NewJobBackend(), testConfig(), handler)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType, MaxAttempts: 4})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.JobStatusFailed)
	assert.Equal(t, 4, job.Attempts)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Equal(t, "ocr service down (call 4)", job.FailureReason)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())

	_, finished, retried := metrics.snapshot()
	assert.Equal(t, 3, retried)
	assert.Equal(t, []string{"failed"}, finished)
}

func TestQueue_PermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
		calls.Add(1)
		return nil, &domain.CycleError{Nodes: []string{"a", "b"}}
	}

	q, _ := newTestQueue(t, memory.NewJobBackend(), testConfig(), handler)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.JobStatusFailed)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_HandlerPanicIsRecorded(t *testing.T) {
	handler := func(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
		panic("corrupt page table")
	}

	config := testConfig()
	config.MaxAttempts = 1
	q, _ := newTestQueue(t, memory.NewJobBackend(), config, handler)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, domain.JobStatusFailed)
	assert.Contains(t, job.FailureReason, "corrupt page table")
}

func TestQueue_SubmitValidation(t *testing.T) {
	q, _ := newTestQueue(t, memory.NewJobBackend(), testConfig(), succeed)
	startQueue(t, q)

	_, err := q.Submit(context.Background(), domain.JobRequest{})
	assert.True(t, domain.IsValidation(err))

	_, err = q.Submit(context.Background(), domain.JobRequest{Type: "unknown"})
	assert.True(t, domain.IsValidation(err))

	err = q.RegisterHandler(testJobType, succeed)
	var domainErr domain.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, domain.ErrorTypeConflict, domainErr.Type)
}

func TestQueue_SubmitWithCallerID(t *testing.T) {
	q, _ := newTestQueue(t, memory.NewJobBackend(), testConfig(), succeed)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{ID: "job-fixed", Type: testJobType})
	require.NoError(t, err)
	assert.Equal(t, "job-fixed", id)
	waitForStatus(t, q, id, domain.JobStatusCompleted)

	_, err = q.Submit(context.Background(), domain.JobRequest{ID: "job-fixed", Type: testJobType})
	var domainErr domain.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, domain.ErrorTypeConflict, domainErr.Type)
}

func TestQueue_UnreachableBackendAtStartup(t *testing.T) {
	backend := NewRedisBackend(domain.RedisConfig{
		Addr:        "127.0.0.1:1",
		KeyPrefix:   "weft-test",
		DialTimeout: 100 * time.Millisecond,
	}, discardLogger())
	t.Cleanup(func() { _ = backend.Close() })

	q, _ := newTestQueue(t, backend, testConfig(), succeed)
	startQueue(t, q)

	assert.False(t, q.Available())

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	assert.Empty(t, id)
	require.Error(t, err)
	assert.True(t, domain.IsQueueUnavailable(err))

	var unavailable *domain.QueueUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "redis", unavailable.Backend)

	assert.Equal(t, domain.QueueStats{Available: false}, q.Stats(context.Background()))

	_, err = q.GetStatus(context.Background(), "anything")
	assert.True(t, domain.IsQueueUnavailable(err))
	_, err = q.ListForOwner(context.Background(), "alice", 10)
	assert.True(t, domain.IsQueueUnavailable(err))
}

func TestQueue_DegradesAndRecovers(t *testing.T) {
	backend := memory.NewJobBackend()
	q, metrics := newTestQueue(t, backend, testConfig(), succeed)
	startQueue(t, q)
	require.True(t, q.Available())

	backend.SetOffline(true)

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	assert.Empty(t, id)
	assert.True(t, domain.IsQueueUnavailable(err))
	assert.False(t, q.Available())
	assert.Equal(t, domain.QueueStats{}, q.Stats(context.Background()))

	backend.SetOffline(false)
	require.Eventually(t, q.Available, 2*time.Second, 5*time.Millisecond)

	id, err = q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	require.NoError(t, err)
	waitForStatus(t, q, id, domain.JobStatusCompleted)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, metrics.availability)
}

func TestQueue_CancelDelayedJob(t *testing.T) {
	q, metrics := newTestQueue(t, memory.NewJobBackend(), testConfig(), succeed)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType, Delay: time.Hour})
	require.NoError(t, err)

	job, err := q.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDelayed, job.Status)

	ok, err := q.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err = q.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrJobCancelled.Error(), job.FailureReason)

	ok, err = q.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "finished jobs cannot be cancelled")

	ok, err = q.Cancel(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, finished, _ := metrics.snapshot()
	assert.Equal(t, []string{"cancelled"}, finished)
}

func TestQueue_CancelActiveJob(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	handler := func(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}

	q, _ := newTestQueue(t, memory.NewJobBackend(), testConfig(), handler)
	startQueue(t, q)

	id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	ok, err := q.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	job := waitForStatus(t, q, id, domain.JobStatusFailed)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.FailureReason, domain.ErrJobCancelled.Error())
}

func TestQueue_RecoversUnfinishedJobs(t *testing.T) {
	backend := memory.NewJobBackend()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Second)

	seed := []*domain.Job{
		{ID: "stale", Type: testJobType, Status: domain.JobStatusActive, Attempts: 1, MaxAttempts: 3, CreatedAt: now.Add(-3 * time.Second)},
		{ID: "waiting", Type: testJobType, Status: domain.JobStatusWaiting, MaxAttempts: 3, CreatedAt: now.Add(-2 * time.Second)},
		{ID: "delayed", Type: testJobType, Status: domain.JobStatusDelayed, Attempts: 1, MaxAttempts: 3, CreatedAt: now.Add(-time.Second), ProcessAfter: &past},
	}
	for _, job := range seed {
		require.NoError(t, backend.Save(ctx, job))
	}

	q, _ := newTestQueue(t, backend, testConfig(), succeed)
	startQueue(t, q)

	assert.Equal(t, 2, waitForStatus(t, q, "stale", domain.JobStatusCompleted).Attempts)
	assert.Equal(t, 1, waitForStatus(t, q, "waiting", domain.JobStatusCompleted).Attempts)
	assert.Equal(t, 2, waitForStatus(t, q, "delayed", domain.JobStatusCompleted).Attempts)
}

func TestQueue_WorkerPoolBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	release := make(chan struct{})
	handler := func(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil, nil
	}

	q, _ := newTestQueue(t, memory.NewJobBackend(), testConfig(), handler)
	startQueue(t, q)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return current.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stats := q.Stats(context.Background())
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 3, stats.Waiting)
	assert.True(t, stats.Available)

	close(release)
	for _, id := range ids {
		waitForStatus(t, q, id, domain.JobStatusCompleted)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestQueue_ListForOwnerNewestFirst(t *testing.T) {
	q, _ := newTestQueue(t, memory.NewJobBackend(), testConfig(), succeed)

	base := time.Now()
	var tick atomic.Int64
	q.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}
	startQueue(t, q)

	var aliceJobs []string
	for i := 0; i < 3; i++ {
		id, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType, OwnerID: "alice"})
		require.NoError(t, err)
		aliceJobs = append(aliceJobs, id)
	}
	_, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType, OwnerID: "bob"})
	require.NoError(t, err)

	jobs, err := q.ListForOwner(context.Background(), "alice", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, aliceJobs[2], jobs[0].ID)
	assert.Equal(t, aliceJobs[1], jobs[1].ID)
}

func TestQueue_Lifecycle(t *testing.T) {
	q, _ := newTestQueue(t, memory.NewJobBackend(), testConfig(), succeed)

	assert.ErrorIs(t, q.Stop(), domain.ErrNotStarted)
	require.NoError(t, q.Start(context.Background()))
	assert.ErrorIs(t, q.Start(context.Background()), domain.ErrAlreadyStarted)
	require.NoError(t, q.Stop())
	assert.False(t, q.Available())

	_, err := q.Submit(context.Background(), domain.JobRequest{Type: testJobType})
	assert.True(t, domain.IsQueueUnavailable(err))
}
