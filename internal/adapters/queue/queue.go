package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

const (
	defaultListLimit      = 50
	defaultHealthInterval = 15 * time.Second
	defaultPingTimeout    = 2 * time.Second
	pollInterval          = time.Second
)

// Queue runs jobs from a durable backend on a fixed pool of workers. Job
// state is only ever written by the queue itself; callers read it through
// GetStatus and ListForOwner.
type Queue struct {
	config  domain.QueueConfig
	backend ports.JobBackend
	metrics ports.MetricsPort
	cleaner *Cleaner
	logger  *slog.Logger
	now     func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]ports.JobHandler

	mu         sync.Mutex
	pending    []string
	queued     map[string]bool
	timers     map[string]*time.Timer
	active     map[string]context.CancelCauseFunc
	tombstones map[string]struct{}
	notify     chan struct{}

	available atomic.Bool

	lifecycleMu sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(config domain.QueueConfig, backend ports.JobBackend, logger *slog.Logger, metrics ports.MetricsPort) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = defaultHealthInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = defaultPingTimeout
	}

	logger = logger.With("component", "job-queue", "backend", backend.Name())

	return &Queue{
		config:     config,
		backend:    backend,
		metrics:    metrics,
		cleaner:    NewCleaner(backend, config.RetentionPeriod, config.CleanupSchedule, logger),
		logger:     logger,
		now:        time.Now,
		handlers:   make(map[string]ports.JobHandler),
		queued:     make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		active:     make(map[string]context.CancelCauseFunc),
		tombstones: make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
	}
}

func (q *Queue) RegisterHandler(jobType string, handler ports.JobHandler) error {
	if jobType == "" || handler == nil {
		return domain.Error{
			Type:    domain.ErrorTypeValidation,
			Message: "job type and handler are required",
		}
	}

	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()

	if _, exists := q.handlers[jobType]; exists {
		return domain.Error{
			Type:    domain.ErrorTypeConflict,
			Message: "job handler already registered",
			Details: map[string]interface{}{
				"job_type": jobType,
			},
		}
	}

	q.handlers[jobType] = handler
	q.logger.Debug("job handler registered", "job_type", jobType)
	return nil
}

func (q *Queue) handler(jobType string) ports.JobHandler {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	return q.handlers[jobType]
}

// Start recovers unfinished jobs and launches the worker pool. An unreachable
// backend does not fail Start: the queue comes up unavailable and the health
// loop keeps probing.
func (q *Queue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()

	if q.running {
		return domain.ErrAlreadyStarted
	}

	q.ctx, q.cancel = context.WithCancel(ctx)
	q.running = true

	if err := q.ping(q.ctx); err != nil {
		q.logger.Warn("job backend unreachable at startup", "error", err)
		q.metrics.QueueAvailability(false)
	} else {
		q.setAvailable(true, nil)
		q.recoverJobs(q.ctx)
	}

	for i := 0; i < q.config.Concurrency; i++ {
		q.wg.Add(1)
		go q.processWork(i)
	}

	q.wg.Add(1)
	go q.healthLoop()

	if err := q.cleaner.Start(q.ctx); err != nil {
		q.logger.Error("failed to start job retention sweeper", "error", err)
	}

	q.logger.Info("job queue started",
		"concurrency", q.config.Concurrency,
		"max_attempts", q.config.MaxAttempts,
		"available", q.available.Load())
	return nil
}

// Stop halts the workers and waits for in-flight handlers to return. Jobs
// interrupted by shutdown stay active in the backend and are recovered on
// the next Start.
func (q *Queue) Stop() error {
	q.lifecycleMu.Lock()
	if !q.running {
		q.lifecycleMu.Unlock()
		return domain.ErrNotStarted
	}
	q.running = false
	q.lifecycleMu.Unlock()

	q.cleaner.Stop()
	q.cancel()

	q.mu.Lock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.pending = nil
	q.queued = make(map[string]bool)
	q.mu.Unlock()

	q.wg.Wait()
	q.setAvailable(false, nil)

	q.logger.Info("job queue stopped")
	return nil
}

func (q *Queue) Available() bool {
	return q.available.Load()
}

// Submit persists a new job and schedules it. While the backend is
// unreachable it returns an empty id and a *domain.QueueUnavailableError.
func (q *Queue) Submit(ctx context.Context, req domain.JobRequest) (string, error) {
	if !q.available.Load() {
		return "", q.unavailable(nil)
	}
	if req.Type == "" {
		return "", domain.Error{
			Type:    domain.ErrorTypeValidation,
			Message: "job type is required",
		}
	}
	if q.handler(req.Type) == nil {
		return "", domain.Error{
			Type:    domain.ErrorTypeValidation,
			Message: "no handler registered for job type",
			Details: map[string]interface{}{
				"job_type": req.Type,
			},
		}
	}

	jobID := req.ID
	if jobID == "" {
		jobID = uuid.New().String()
	} else if _, err := q.backend.Load(ctx, jobID); err == nil {
		return "", domain.Error{
			Type:    domain.ErrorTypeConflict,
			Message: "job id already exists",
			Details: map[string]interface{}{
				"job_id": jobID,
			},
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}

	now := q.now()
	job := &domain.Job{
		ID:          jobID,
		Type:        req.Type,
		OwnerID:     req.OwnerID,
		Payload:     req.Payload,
		Status:      domain.JobStatusWaiting,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		Metadata:    req.Metadata,
	}
	if req.Delay > 0 {
		at := now.Add(req.Delay)
		job.Status = domain.JobStatusDelayed
		job.ProcessAfter = &at
	}

	if err := q.backend.Save(ctx, job); err != nil {
		return "", q.backendError(ctx, err)
	}

	if job.Status == domain.JobStatusDelayed {
		q.schedule(job.ID, *job.ProcessAfter)
	} else {
		q.push(job.ID)
	}

	q.metrics.JobSubmitted(job.Type)
	q.logger.Info("job submitted",
		"job_id", job.ID,
		"job_type", job.Type,
		"owner_id", job.OwnerID,
		"status", job.Status)
	return job.ID, nil
}

func (q *Queue) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	if !q.available.Load() {
		return nil, q.unavailable(nil)
	}

	job, err := q.backend.Load(ctx, jobID)
	if err != nil {
		return nil, q.backendError(ctx, err)
	}
	return job, nil
}

func (q *Queue) ListForOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Job, error) {
	if !q.available.Load() {
		return nil, q.unavailable(nil)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	jobs, err := q.backend.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, q.backendError(ctx, err)
	}
	return jobs, nil
}

// Cancel stops a job that has not finished. A waiting or delayed job fails
// immediately; an active job has its handler context cancelled and fails
// once the handler returns. Unknown and finished jobs report false.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	if !q.available.Load() {
		return false, q.unavailable(nil)
	}

	job, err := q.backend.Load(ctx, jobID)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, q.backendError(ctx, err)
	}
	if job.Status.IsFinished() {
		return false, nil
	}

	q.mu.Lock()
	if cancel, ok := q.active[jobID]; ok {
		cancel(domain.ErrJobCancelled)
		q.mu.Unlock()
		q.logger.Info("active job cancellation requested", "job_id", jobID)
		return true, nil
	}
	if timer, ok := q.timers[jobID]; ok {
		timer.Stop()
		delete(q.timers, jobID)
	} else if q.queued[jobID] {
		q.removePending(jobID)
	} else {
		q.tombstones[jobID] = struct{}{}
	}
	q.mu.Unlock()

	now := q.now()
	job.Status = domain.JobStatusFailed
	job.FailureReason = domain.ErrJobCancelled.Error()
	job.FinishedAt = &now
	job.ProcessAfter = nil
	if err := q.backend.Save(ctx, job); err != nil {
		return false, q.backendError(ctx, err)
	}

	q.metrics.JobFinished(job.Type, "cancelled", job.Attempts)
	q.logger.Info("job cancelled", "job_id", jobID, "job_type", job.Type)
	return true, nil
}

// Stats reports per-status counts. An unavailable queue reports all zeros.
func (q *Queue) Stats(ctx context.Context) domain.QueueStats {
	if !q.available.Load() {
		return domain.QueueStats{}
	}

	counts, err := q.backend.Counts(ctx)
	if err != nil {
		q.logger.Warn("failed to read job counts", "error", err)
		q.backendError(ctx, err)
		return domain.QueueStats{Available: q.available.Load()}
	}

	return domain.QueueStats{
		Waiting:   counts[domain.JobStatusWaiting],
		Active:    counts[domain.JobStatusActive],
		Completed: counts[domain.JobStatusCompleted],
		Failed:    counts[domain.JobStatusFailed],
		Delayed:   counts[domain.JobStatusDelayed],
		Available: true,
	}
}

func (q *Queue) processWork(workerID int) {
	defer q.wg.Done()

	logger := q.logger.With("worker_id", workerID)
	for {
		jobID, jobCtx, ok := q.next()
		if !ok {
			return
		}
		q.process(jobCtx, jobID, logger)
	}
}

// next blocks until a job id is pending, registering it as active before
// releasing the lock so Cancel always finds it in exactly one place.
func (q *Queue) next() (string, context.Context, bool) {
	for {
		if q.ctx.Err() != nil {
			return "", nil, false
		}

		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			delete(q.queued, id)

			jobCtx, cancel := context.WithCancelCause(q.ctx)
			q.active[id] = cancel
			more := len(q.pending) > 0
			q.mu.Unlock()

			if more {
				q.signal()
			}
			return id, jobCtx, true
		}
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return "", nil, false
		case <-q.notify:
		case <-time.After(pollInterval):
		}
	}
}

type attempt struct {
	mu   sync.Mutex
	job  *domain.Job
	done bool
}

func (q *Queue) process(ctx context.Context, jobID string, logger *slog.Logger) {
	defer func() {
		q.mu.Lock()
		if cancel, ok := q.active[jobID]; ok {
			cancel(nil)
			delete(q.active, jobID)
		}
		q.mu.Unlock()
	}()

	storeCtx := context.WithoutCancel(ctx)

	job, err := q.backend.Load(storeCtx, jobID)
	if err != nil {
		if !domain.IsNotFound(err) {
			logger.Error("failed to load job", "job_id", jobID, "error", err)
			q.backendError(storeCtx, err)
		}
		return
	}
	if job.Status != domain.JobStatusWaiting || q.consumeTombstone(jobID) {
		logger.Debug("skipping job that is no longer waiting", "job_id", jobID, "status", job.Status)
		return
	}

	handler := q.handler(job.Type)
	if handler == nil {
		q.finalize(storeCtx, job, fmt.Errorf("no handler registered for job type %q", job.Type), logger)
		return
	}

	now := q.now()
	job.Status = domain.JobStatusActive
	job.Attempts++
	job.ProcessedAt = &now
	if err := q.backend.Save(storeCtx, job); err != nil {
		logger.Error("failed to mark job active", "job_id", jobID, "error", err)
		q.backendError(storeCtx, err)
		return
	}

	logger.Info("job started",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts)

	run := &attempt{job: job}
	result, handlerErr := q.invoke(ctx, handler, run, logger)

	run.mu.Lock()
	run.done = true
	run.mu.Unlock()

	cancelled := errors.Is(context.Cause(ctx), domain.ErrJobCancelled)
	if handlerErr != nil && !cancelled && q.ctx.Err() != nil {
		logger.Warn("job interrupted by shutdown, left for recovery", "job_id", job.ID, "error", handlerErr)
		return
	}
	if handlerErr != nil && cancelled && !errors.Is(handlerErr, domain.ErrJobCancelled) {
		handlerErr = fmt.Errorf("%w: %v", domain.ErrJobCancelled, handlerErr)
	}

	if handlerErr == nil {
		q.complete(storeCtx, job, result, logger)
		return
	}

	if domain.IsPermanent(handlerErr) || job.Attempts >= job.MaxAttempts {
		q.finalize(storeCtx, job, handlerErr, logger)
		return
	}

	if !q.retry(ctx, job, handlerErr, logger) {
		q.finalize(storeCtx, job, fmt.Errorf("%w: %v", domain.ErrJobCancelled, handlerErr), logger)
	}
}

func (q *Queue) invoke(ctx context.Context, handler ports.JobHandler, run *attempt, logger *slog.Logger) (result xjson.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panicked",
				"job_id", run.job.ID,
				"panic", r,
				"stack_trace", string(debug.Stack()))
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	progress := func(percent int) {
		q.reportProgress(ctx, run, percent, logger)
	}
	return handler(ctx, run.job.Clone(), progress)
}

func (q *Queue) reportProgress(ctx context.Context, run *attempt, percent int, logger *slog.Logger) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.done || percent <= run.job.Progress {
		return
	}
	run.job.Progress = percent
	if err := q.backend.Save(context.WithoutCancel(ctx), run.job); err != nil {
		logger.Warn("failed to persist job progress", "job_id", run.job.ID, "error", err)
	}
}

func (q *Queue) complete(ctx context.Context, job *domain.Job, result xjson.RawMessage, logger *slog.Logger) {
	now := q.now()
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.Result = result
	job.FailureReason = ""
	job.FinishedAt = &now
	job.ProcessAfter = nil

	if err := q.backend.Save(ctx, job); err != nil {
		logger.Error("failed to persist completed job", "job_id", job.ID, "error", err)
		q.backendError(ctx, err)
	}

	q.metrics.JobFinished(job.Type, "completed", job.Attempts)
	logger.Info("job completed", "job_id", job.ID, "job_type", job.Type, "attempts", job.Attempts)
}

func (q *Queue) finalize(ctx context.Context, job *domain.Job, cause error, logger *slog.Logger) {
	now := q.now()
	job.Status = domain.JobStatusFailed
	job.FailureReason = cause.Error()
	job.FinishedAt = &now
	job.ProcessAfter = nil

	if err := q.backend.Save(ctx, job); err != nil {
		logger.Error("failed to persist failed job", "job_id", job.ID, "error", err)
		q.backendError(ctx, err)
	}

	status := "failed"
	if errors.Is(cause, domain.ErrJobCancelled) {
		status = "cancelled"
	}
	q.metrics.JobFinished(job.Type, status, job.Attempts)
	logger.Error("job failed",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempts", job.Attempts,
		"error", cause,
		"error_permanent", domain.IsPermanent(cause))
}

// retry persists the job as delayed and arms its timer. The job leaves the
// active table under the same lock, so a concurrent Cancel either interrupts
// this attempt or finds the timer. It reports false when the attempt was
// cancelled and must not be retried.
func (q *Queue) retry(ctx context.Context, job *domain.Job, cause error, logger *slog.Logger) bool {
	delay := retryDelay(q.config.BackoffBase, q.config.MaxBackoff, job.Attempts)
	at := q.now().Add(delay)
	storeCtx := context.WithoutCancel(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	if errors.Is(context.Cause(ctx), domain.ErrJobCancelled) {
		return false
	}

	job.Status = domain.JobStatusDelayed
	job.FailureReason = cause.Error()
	job.ProcessAfter = &at

	if err := q.backend.Save(storeCtx, job); err != nil {
		logger.Error("failed to persist job retry", "job_id", job.ID, "error", err)
		q.backendError(storeCtx, err)
		return true
	}
	q.armTimer(job.ID, at)
	if cancel, ok := q.active[job.ID]; ok {
		cancel(nil)
		delete(q.active, job.ID)
	}

	q.metrics.JobRetried(job.Type)
	logger.Warn("job attempt failed, retrying",
		"job_id", job.ID,
		"job_type", job.Type,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"delay", delay,
		"error", cause)
	return true
}

func (q *Queue) push(jobID string) {
	q.mu.Lock()
	if q.queued[jobID] {
		q.mu.Unlock()
		return
	}
	if _, ok := q.active[jobID]; ok {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, jobID)
	q.queued[jobID] = true
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// removePending must be called with q.mu held.
func (q *Queue) removePending(jobID string) {
	for i, id := range q.pending {
		if id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.queued, jobID)
}

func (q *Queue) consumeTombstone(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tombstones[jobID]; ok {
		delete(q.tombstones, jobID)
		return true
	}
	return false
}

func (q *Queue) schedule(jobID string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.armTimer(jobID, at)
}

// armTimer must be called with q.mu held.
func (q *Queue) armTimer(jobID string, at time.Time) {
	if _, exists := q.timers[jobID]; exists {
		return
	}

	delay := at.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	q.timers[jobID] = time.AfterFunc(delay, func() {
		q.promote(jobID)
	})
}

// promote moves a delayed job whose timer fired back to waiting.
func (q *Queue) promote(jobID string) {
	q.mu.Lock()
	if _, ok := q.timers[jobID]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.timers, jobID)
	q.mu.Unlock()

	if q.ctx.Err() != nil || q.consumeTombstone(jobID) {
		return
	}

	job, err := q.backend.Load(q.ctx, jobID)
	if err != nil {
		q.logger.Warn("failed to load delayed job", "job_id", jobID, "error", err)
		q.backendError(q.ctx, err)
		return
	}
	if job.Status != domain.JobStatusDelayed {
		return
	}

	job.Status = domain.JobStatusWaiting
	job.ProcessAfter = nil
	if err := q.backend.Save(q.ctx, job); err != nil {
		q.logger.Warn("failed to promote delayed job", "job_id", jobID, "error", err)
		q.backendError(q.ctx, err)
		return
	}

	q.logger.Debug("delayed job promoted", "job_id", jobID)
	q.push(jobID)
}

// recoverJobs schedules every unfinished job found in the backend. Active jobs
// not owned by a worker in this process were interrupted and go back to
// waiting.
func (q *Queue) recoverJobs(ctx context.Context) {
	jobs, err := q.backend.ListByStatus(ctx, domain.JobStatusWaiting, domain.JobStatusDelayed, domain.JobStatusActive)
	if err != nil {
		q.logger.Error("job recovery failed", "error", err)
		q.backendError(ctx, err)
		return
	}

	recovered := 0
	for _, job := range jobs {
		switch job.Status {
		case domain.JobStatusActive:
			if q.isActive(job.ID) {
				continue
			}
			job.Status = domain.JobStatusWaiting
			if err := q.backend.Save(ctx, job); err != nil {
				q.logger.Error("failed to reset stale active job", "job_id", job.ID, "error", err)
				continue
			}
			q.logger.Warn("stale active job reset to waiting", "job_id", job.ID, "attempts", job.Attempts)
			q.push(job.ID)
		case domain.JobStatusWaiting:
			q.push(job.ID)
		case domain.JobStatusDelayed:
			at := q.now()
			if job.ProcessAfter != nil {
				at = *job.ProcessAfter
			}
			q.schedule(job.ID, at)
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("unfinished jobs recovered", "count", recovered)
	}
}

func (q *Queue) isActive(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[jobID]
	return ok
}

func (q *Queue) healthLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.checkHealth()
		}
	}
}

func (q *Queue) checkHealth() {
	if err := q.ping(q.ctx); err != nil {
		if q.ctx.Err() == nil {
			q.setAvailable(false, err)
		}
		return
	}
	if !q.available.Load() {
		q.setAvailable(true, nil)
		q.recoverJobs(q.ctx)
	}
}

func (q *Queue) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, q.config.PingTimeout)
	defer cancel()
	return q.backend.Ping(pingCtx)
}

func (q *Queue) setAvailable(available bool, cause error) {
	if q.available.Swap(available) == available {
		return
	}

	q.metrics.QueueAvailability(available)
	if available {
		q.logger.Info("job queue available")
		return
	}
	if cause != nil {
		q.logger.Warn("job queue unavailable", "error", cause)
	}
}

// backendError decides whether a failed backend call means the backend is
// gone. If a ping also fails the queue turns unavailable and the caller gets
// a *domain.QueueUnavailableError.
func (q *Queue) backendError(ctx context.Context, err error) error {
	if domain.IsNotFound(err) {
		return err
	}

	if pingErr := q.ping(context.WithoutCancel(ctx)); pingErr != nil {
		q.setAvailable(false, pingErr)
		return q.unavailable(err)
	}
	return err
}

func (q *Queue) unavailable(err error) error {
	return &domain.QueueUnavailableError{
		Backend: q.backend.Name(),
		Err:     err,
	}
}

var _ ports.JobQueuePort = (*Queue)(nil)
