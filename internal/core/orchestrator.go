package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/weft/internal/adapters/engine"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

// JobQueue is the queue surface the orchestrator drives. It adds the
// lifecycle methods to ports.JobQueuePort.
type JobQueue interface {
	ports.JobQueuePort
	Start(ctx context.Context) error
	Stop() error
}

type OrchestratorConfig struct {
	Engine          domain.EngineConfig
	ShutdownTimeout time.Duration
	// MaxAttempts overrides the queue default for workflow run jobs.
	MaxAttempts int
}

// Orchestrator is the submission API. It validates and plans runs, then
// executes them in-process or hands them to the job queue.
type Orchestrator struct {
	store    ports.GraphStore
	registry ports.OperationRegistryPort
	queue    JobQueue
	executor *engine.Executor
	costs    *engine.HistoricalCosts
	metrics  ports.MetricsPort
	config   OrchestratorConfig
	logger   *slog.Logger

	mu             sync.RWMutex
	tokens         map[string]*engine.CancelToken
	isStarted      bool
	isShuttingDown bool
	isShutdown     bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewOrchestrator(
	config OrchestratorConfig,
	store ports.GraphStore,
	registry ports.OperationRegistryPort,
	queue JobQueue,
	metrics ports.MetricsPort,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	costs := engine.NewHistoricalCosts(config.Engine.DefaultNodeCost)
	runCtx, runCancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:     store,
		registry:  registry,
		queue:     queue,
		executor:  engine.NewExecutor(registry, store, metrics, costs, config.Engine, logger),
		costs:     costs,
		metrics:   metrics,
		config:    config,
		logger:    logger.With("component", "orchestrator"),
		tokens:    make(map[string]*engine.CancelToken),
		runCtx:    runCtx,
		runCancel: runCancel,
	}

	if queue != nil {
		if err := queue.RegisterHandler(domain.JobTypeWorkflowRun, o.handleWorkflowJob); err != nil {
			runCancel()
			return nil, err
		}
	}

	return o, nil
}

func (o *Orchestrator) Startup(ctx context.Context) error {
	o.mu.Lock()
	if o.isStarted {
		o.mu.Unlock()
		return domain.NewConfigError("startup", domain.ErrAlreadyStarted)
	}
	if o.isShutdown {
		o.mu.Unlock()
		return domain.NewConfigError("startup", domain.ErrNotStarted)
	}
	o.isStarted = true
	o.mu.Unlock()

	if o.queue != nil {
		if err := o.queue.Start(ctx); err != nil {
			o.mu.Lock()
			o.isStarted = false
			o.mu.Unlock()
			return err
		}
	}

	o.logger.Info("orchestrator started", "queue", o.queue != nil)
	return nil
}

// Shutdown stops accepting runs, interrupts in-process runs and waits for
// them, then stops the queue. Queued runs that were interrupted are picked
// up again by the queue on its next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.isShuttingDown || o.isShutdown {
		o.mu.Unlock()
		return domain.NewConfigError("shutdown", domain.ErrNotStarted)
	}
	o.isShuttingDown = true
	o.mu.Unlock()

	o.logger.Info("initiating graceful shutdown", "timeout", o.config.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, o.config.ShutdownTimeout)
	defer cancel()

	o.runCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Debug("in-process runs stopped")
	case <-shutdownCtx.Done():
		o.logger.Warn("timeout waiting for in-process runs to stop")
	}

	var finalErr error
	if o.queue != nil {
		o.mu.RLock()
		started := o.isStarted
		o.mu.RUnlock()
		if started {
			if err := o.queue.Stop(); err != nil {
				o.logger.Error("failed to stop job queue", "error", err)
				finalErr = err
			}
		}
	}

	o.mu.Lock()
	o.isShutdown = true
	o.isShuttingDown = false
	o.isStarted = false
	o.mu.Unlock()

	o.logger.Info("graceful shutdown completed")
	return finalErr
}

func (o *Orchestrator) IsReady() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isStarted && !o.isShuttingDown && !o.isShutdown
}

// SaveGraph validates a graph and stores it as a new version.
func (o *Orchestrator) SaveGraph(ctx context.Context, graph *domain.Graph) error {
	if graph == nil {
		return domain.NewValidationError("", "graph is required")
	}
	if err := engine.ValidateGraph(graph, o.registry.Has); err != nil {
		return err
	}
	if err := o.store.SaveGraph(ctx, graph); err != nil {
		return err
	}

	o.logger.Info("graph saved",
		"graph_id", graph.ID,
		"version", graph.Version,
		"nodes", len(graph.Nodes),
	)
	return nil
}

func (o *Orchestrator) GetGraph(ctx context.Context, graphID string) (*domain.Graph, error) {
	return o.store.LoadGraph(ctx, graphID)
}

// AnalyzeGraph reports ordering, grouping and timing for a stored graph.
// It works on cyclic graphs too; the analysis then carries the cycle.
func (o *Orchestrator) AnalyzeGraph(ctx context.Context, graphID string) (*engine.Analysis, error) {
	graph, err := o.store.LoadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return engine.Analyze(graph, o.registry.IsParallelSafe, o.costs.Cost), nil
}

// PlanGraph builds the execution plan a run of the graph would follow.
func (o *Orchestrator) PlanGraph(ctx context.Context, graphID string) (*engine.ExecutionPlan, error) {
	graph, err := o.store.LoadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if err := engine.ValidateGraph(graph, o.registry.Has); err != nil {
		return nil, err
	}
	return engine.BuildPlan(graph.Nodes, graph.Edges, o.registry.IsParallelSafe, o.costs.Cost)
}

type preparedRun struct {
	graph  *domain.Graph
	plan   *engine.ExecutionPlan
	record *domain.ExecutionRecord
}

// prepare loads, validates and plans a run and persists its pending record.
// Structural problems are returned here, before any node runs.
func (o *Orchestrator) prepare(ctx context.Context, graphID string, inputs []domain.ArtifactRef, config map[string]interface{}) (*preparedRun, error) {
	o.mu.RLock()
	closing := o.isShuttingDown || o.isShutdown
	o.mu.RUnlock()
	if closing {
		return nil, domain.Error{
			Type:    domain.ErrorTypeUnavailable,
			Message: "orchestrator is shutting down",
			Details: map[string]interface{}{"graph_id": graphID},
		}
	}

	graph, err := o.store.LoadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if err := engine.ValidateGraph(graph, o.registry.Has); err != nil {
		return nil, err
	}

	plan, err := engine.BuildPlan(graph.Nodes, graph.Edges, o.registry.IsParallelSafe, o.costs.Cost)
	if err != nil {
		return nil, err
	}

	if inputs == nil {
		inputs = []domain.ArtifactRef{}
	}
	record := domain.NewExecutionRecord(uuid.NewString(), graph, inputs, config)
	record.Attempt = 1
	record.Plan = plan.Summaries()

	if err := o.store.SaveExecution(ctx, record); err != nil {
		return nil, err
	}

	return &preparedRun{graph: graph, plan: plan, record: record}, nil
}

// SubmitRun starts a run and returns its pending record without waiting.
// With a queue the run becomes a retried job; when the queue is unavailable
// or absent the run executes in-process with a single attempt.
func (o *Orchestrator) SubmitRun(ctx context.Context, graphID string, inputs []domain.ArtifactRef, config map[string]interface{}) (*domain.ExecutionRecord, error) {
	prepared, err := o.prepare(ctx, graphID, inputs, config)
	if err != nil {
		return nil, err
	}
	record := prepared.record
	logger := o.logger.With("execution_id", record.ID, "graph_id", graphID)

	if o.queue != nil {
		// The job id is stored before the job exists; once submitted a worker
		// owns the record and this goroutine must not save it again.
		jobID := uuid.NewString()
		record.JobID = jobID
		record.Log(domain.LogLevelInfo, "", "queuing run as job "+jobID)
		if err := o.store.SaveExecution(ctx, record); err != nil {
			return nil, err
		}

		snapshot, err := record.Clone()
		if err != nil {
			return nil, err
		}

		err = o.enqueue(ctx, prepared, jobID)
		switch {
		case err == nil:
			logger.Info("run queued", "job_id", jobID)
			return snapshot, nil
		case domain.IsQueueUnavailable(err):
			record.JobID = ""
			logger.Warn("job queue unavailable, running in-process", "error", err)
			record.Log(domain.LogLevelWarn, "", "job queue unavailable, running in-process")
		default:
			record.JobID = ""
			record.Error = err.Error()
			record.Log(domain.LogLevelError, "", "failed to queue run: "+err.Error())
			record.Finish(domain.ExecutionStatusFailed)
			if saveErr := o.store.SaveExecution(ctx, record); saveErr != nil {
				logger.Warn("failed to persist run", "error", saveErr)
			}
			return nil, err
		}
	}

	snapshot, err := record.Clone()
	if err != nil {
		return nil, err
	}

	token := o.track(record.ID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(record.ID)

		run := &engine.Run{
			Record:       record,
			Graph:        prepared.graph,
			Plan:         prepared.plan,
			Token:        token,
			Config:       config,
			FinalAttempt: true,
		}
		if err := o.executor.Execute(o.runCtx, run); err != nil {
			logger.Debug("in-process run ended with error", "error", err)
		}
	}()

	logger.Info("run started in-process")
	return snapshot, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, prepared *preparedRun, jobID string) error {
	payload, err := xjson.Marshal(domain.WorkflowRunPayload{
		ExecutionID: prepared.record.ID,
		GraphID:     prepared.graph.ID,
	})
	if err != nil {
		return domain.NewInternalError("failed to encode run payload", err)
	}

	_, err = o.queue.Submit(ctx, domain.JobRequest{
		ID:          jobID,
		Type:        domain.JobTypeWorkflowRun,
		OwnerID:     prepared.graph.OwnerID,
		Payload:     payload,
		MaxAttempts: o.config.MaxAttempts,
		Metadata: map[string]string{
			"graph_id":     prepared.graph.ID,
			"execution_id": prepared.record.ID,
		},
	})
	return err
}

// RunSync executes a run on the caller's goroutine with a single attempt.
// The returned record is final; a failed run also returns its error.
func (o *Orchestrator) RunSync(ctx context.Context, graphID string, inputs []domain.ArtifactRef, config map[string]interface{}) (*domain.ExecutionRecord, error) {
	prepared, err := o.prepare(ctx, graphID, inputs, config)
	if err != nil {
		return nil, err
	}
	record := prepared.record

	token := o.track(record.ID)
	defer o.untrack(record.ID)

	err = o.executor.Execute(ctx, &engine.Run{
		Record:       record,
		Graph:        prepared.graph,
		Plan:         prepared.plan,
		Token:        token,
		Config:       config,
		FinalAttempt: true,
	})
	return record, err
}

// GetRun returns the last persisted snapshot of a run.
func (o *Orchestrator) GetRun(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return o.store.LoadExecution(ctx, executionID)
}

func (o *Orchestrator) ListRuns(ctx context.Context, graphID string, limit int) ([]*domain.ExecutionRecord, error) {
	if _, err := o.store.LoadGraph(ctx, graphID); err != nil {
		return nil, err
	}
	return o.store.ListExecutions(ctx, graphID, limit)
}

// CancelRun asks a run to stop at its next step boundary. Finished runs are
// left untouched. A queued run that has not started yet is cancelled
// directly.
func (o *Orchestrator) CancelRun(ctx context.Context, executionID string) error {
	record, err := o.store.LoadExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return nil
	}

	logger := o.logger.With("execution_id", executionID, "graph_id", record.GraphID)

	jobCancelled := false
	if record.JobID != "" && o.queue != nil {
		jobCancelled, err = o.queue.Cancel(ctx, record.JobID)
		if err != nil {
			logger.Warn("failed to cancel queued job", "job_id", record.JobID, "error", err)
		}
	}

	o.mu.RLock()
	token, running := o.tokens[executionID]
	o.mu.RUnlock()

	if running {
		token.Cancel()
		logger.Info("run cancellation requested")
		return nil
	}

	if record.Status == domain.ExecutionStatusPending {
		record.Log(domain.LogLevelWarn, "", "run cancelled before start")
		record.Finish(domain.ExecutionStatusCancelled)
		if err := o.store.SaveExecution(ctx, record); err != nil {
			return err
		}
		logger.Info("pending run cancelled")
		return nil
	}

	if jobCancelled {
		logger.Info("queued run cancellation requested", "job_id", record.JobID)
		return nil
	}

	return domain.Error{
		Type:    domain.ErrorTypeConflict,
		Message: fmt.Sprintf("run %s is %s but not tracked by this process", executionID, record.Status),
		Details: map[string]interface{}{"execution_id": executionID},
	}
}

func (o *Orchestrator) track(executionID string) *engine.CancelToken {
	token := engine.NewCancelToken()
	o.mu.Lock()
	o.tokens[executionID] = token
	o.mu.Unlock()
	return token
}

func (o *Orchestrator) untrack(executionID string) {
	o.mu.Lock()
	delete(o.tokens, executionID)
	o.mu.Unlock()
}

// ActiveRuns is the number of runs executing in this process.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tokens)
}
