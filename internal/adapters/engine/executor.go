package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Run is everything the executor needs to drive one attempt of a workflow
// run. Graph is a private copy; its node statuses are mutated in place.
type Run struct {
	Record       *domain.ExecutionRecord
	Graph        *domain.Graph
	Plan         *ExecutionPlan
	Token        *CancelToken
	Config       map[string]interface{}
	FinalAttempt bool
	OnProgress   func(percent int)
}

type Executor struct {
	registry ports.OperationRegistryPort
	saver    ports.ExecutionSaver
	metrics  ports.MetricsPort
	costs    *HistoricalCosts
	config   domain.EngineConfig
	logger   *slog.Logger
}

func NewExecutor(
	registry ports.OperationRegistryPort,
	saver ports.ExecutionSaver,
	metrics ports.MetricsPort,
	costs *HistoricalCosts,
	config domain.EngineConfig,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	if costs == nil {
		costs = NewHistoricalCosts(config.DefaultNodeCost)
	}

	return &Executor{
		registry: registry,
		saver:    saver,
		metrics:  metrics,
		costs:    costs,
		config:   config,
		logger:   logger.With("component", "executor"),
	}
}

type nodeResult struct {
	nodeID    string
	operation string
	outputs   []domain.ArtifactRef
	err       error
	duration  time.Duration
}

type runState struct {
	run       *Run
	nodes     map[string]*domain.Node
	incoming  map[string][]domain.Edge
	sinks     []string
	outputs   map[string][]domain.ArtifactRef
	docs      map[string]NodeOutput
	settled   int
	startedAt time.Time
}

func newRunState(run *Run) *runState {
	s := &runState{
		run:       run,
		nodes:     make(map[string]*domain.Node, len(run.Graph.Nodes)),
		incoming:  make(map[string][]domain.Edge, len(run.Graph.Nodes)),
		sinks:     run.Graph.SinkNodes(),
		outputs:   make(map[string][]domain.ArtifactRef),
		docs:      make(map[string]NodeOutput),
		startedAt: time.Now(),
	}
	for i := range run.Graph.Nodes {
		node := &run.Graph.Nodes[i]
		s.nodes[node.ID] = node
		s.incoming[node.ID] = run.Graph.IncomingEdges(node.ID)
	}
	return s
}

// Execute walks the plan step by step. Nodes of a parallel step run
// concurrently and the step ends only when all of them have returned. The
// first failing step aborts the run; cancellation is honoured between steps.
func (e *Executor) Execute(ctx context.Context, run *Run) error {
	if run == nil || run.Record == nil || run.Graph == nil || run.Plan == nil {
		return domain.NewInternalError("incomplete run", domain.ErrInvalidPlan)
	}

	record := run.Record
	if record.Status != domain.ExecutionStatusPending {
		return fmt.Errorf("%w: execution %s is %s", domain.ErrAlreadyStarted, record.ID, record.Status)
	}
	if run.Token == nil {
		run.Token = NewCancelToken()
	}

	logger := e.logger.With("execution_id", record.ID, "graph_id", record.GraphID)
	state := newRunState(run)

	if run.Token.Cancelled() {
		return e.cancel(ctx, state, logger, "run cancelled before start")
	}

	record.Status = domain.ExecutionStatusRunning
	record.Plan = run.Plan.Summaries()
	record.Log(domain.LogLevelInfo, "", fmt.Sprintf("run started: attempt %d, %d steps", record.Attempt, len(run.Plan.Steps)))
	e.save(ctx, record, logger)
	e.metrics.RunStarted(record.GraphID)

	logger.Info("run started",
		"steps", len(run.Plan.Steps),
		"attempt", record.Attempt,
		"final_attempt", run.FinalAttempt,
	)

	for _, step := range run.Plan.Steps {
		if run.Token.Cancelled() {
			return e.cancel(ctx, state, logger, fmt.Sprintf("run cancelled before step %d", step.Index))
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, state, "", err, logger)
		}
		if err := e.executeStep(ctx, state, step, logger); err != nil {
			return err
		}
	}

	record.OutputArtifacts = state.terminalOutputs()
	record.Finish(domain.ExecutionStatusCompleted)
	record.Log(domain.LogLevelInfo, "", fmt.Sprintf("run completed with %d output artifact(s)", len(record.OutputArtifacts)))
	e.notifyProgress(run)
	e.save(ctx, record, logger)
	e.metrics.RunFinished(record.GraphID, string(domain.ExecutionStatusCompleted), time.Since(state.startedAt))

	logger.Info("run completed",
		"outputs", len(record.OutputArtifacts),
		"duration", time.Since(state.startedAt),
	)
	return nil
}

func (e *Executor) executeStep(ctx context.Context, s *runState, step ExecutionStep, logger *slog.Logger) error {
	record := s.run.Record
	inputs := make(map[string][]domain.ArtifactRef, len(step.NodeIDs))
	var runnable []string

	for _, id := range step.NodeIDs {
		in, active, err := s.resolveInputs(id)
		if err != nil {
			return e.fail(ctx, s, id, err, logger)
		}
		if !active {
			s.skip(id)
			record.Log(domain.LogLevelWarn, id, "node skipped: no active incoming edge")
			logger.Warn("node skipped", "node_id", id)
			continue
		}
		inputs[id] = in
		runnable = append(runnable, id)
	}

	now := time.Now()
	for _, id := range runnable {
		s.markRunning(id, now)
		record.Log(domain.LogLevelInfo, id, "node started")
	}
	if len(runnable) > 0 {
		e.save(ctx, record, logger)
	}

	logger.Debug("executing step",
		"step", step.Index,
		"nodes", runnable,
		"parallel", step.CanRunInParallel,
	)

	results := e.runNodes(ctx, s, step, runnable, inputs, logger)

	if s.run.Token.Cancelled() {
		for _, r := range results {
			s.markFailed(r.nodeID, "result discarded: run cancelled")
			record.Log(domain.LogLevelWarn, r.nodeID, "node result discarded: run cancelled")
		}
		return e.cancel(ctx, s, logger, fmt.Sprintf("run cancelled during step %d", step.Index))
	}

	var (
		firstErr error
		failedID string
	)
	for _, r := range results {
		if r.err != nil {
			s.markFailed(r.nodeID, r.err.Error())
			record.Log(domain.LogLevelError, r.nodeID, r.err.Error())
			e.metrics.NodeFinished(r.operation, string(domain.NodeStatusError), r.duration)
			if firstErr == nil {
				firstErr = r.err
				failedID = r.nodeID
			}
			continue
		}

		s.markCompleted(r)
		record.Log(domain.LogLevelInfo, r.nodeID, fmt.Sprintf("node completed with %d artifact(s)", len(r.outputs)))
		e.metrics.NodeFinished(r.operation, string(domain.NodeStatusCompleted), r.duration)
		e.costs.Observe(r.operation, r.duration)
	}

	e.metrics.StepExecuted(step.CanRunInParallel, len(step.NodeIDs))

	if firstErr != nil {
		return e.fail(ctx, s, failedID, firstErr, logger)
	}

	record.SetProgress(s.settled * 100 / len(s.nodes))
	e.notifyProgress(s.run)
	e.save(ctx, record, logger)
	return nil
}

func (e *Executor) runNodes(ctx context.Context, s *runState, step ExecutionStep, ids []string, inputs map[string][]domain.ArtifactRef, logger *slog.Logger) []nodeResult {
	results := make([]nodeResult, len(ids))

	if step.CanRunInParallel && len(ids) > 1 {
		var g errgroup.Group
		if e.config.MaxParallelism > 0 {
			g.SetLimit(e.config.MaxParallelism)
		}

		for i, id := range ids {
			node := *s.nodes[id]
			g.Go(func() error {
				results[i] = e.invokeNode(ctx, node, inputs[id], s.run.Config, logger)
				return nil
			})
		}

		_ = g.Wait()
		return results
	}

	for i, id := range ids {
		results[i] = e.invokeNode(ctx, *s.nodes[id], inputs[id], s.run.Config, logger)
		if results[i].err != nil {
			return results[:i+1]
		}
	}
	return results
}

func (e *Executor) invokeNode(ctx context.Context, node domain.Node, inputs []domain.ArtifactRef, runConfig map[string]interface{}, logger *slog.Logger) nodeResult {
	start := time.Now()
	result := nodeResult{nodeID: node.ID, operation: node.Operation}

	handler, err := e.registry.Get(node.Operation)
	if err != nil {
		result.err = &domain.HandlerError{NodeID: node.ID, Operation: node.Operation, Err: err}
		return result
	}

	config, err := domain.MergeNodeConfig(node.Config, runConfig)
	if err != nil {
		result.err = &domain.HandlerError{NodeID: node.ID, Operation: node.Operation, Err: err}
		return result
	}

	nodeCtx := ctx
	if e.config.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, e.config.NodeTimeout)
		defer cancel()
	}

	outputs, err := executeWithRecovery(nodeCtx, logger, node.ID, handler, inputs, config)
	result.duration = time.Since(start)
	if err != nil {
		result.err = &domain.HandlerError{NodeID: node.ID, Operation: node.Operation, Err: err}
		logger.Debug("node failed", append(errorLogAttrs(result.err), "duration", result.duration)...)
		return result
	}

	if outputs == nil {
		outputs = []domain.ArtifactRef{}
	}
	result.outputs = outputs

	logger.Debug("node completed",
		"node_id", node.ID,
		"operation", node.Operation,
		"outputs", len(outputs),
		"duration", result.duration,
	)
	return result
}

// fail records err on the run. Unless this is the last attempt and the
// error can be retried, the run goes back to pending to wait for the queue.
func (e *Executor) fail(ctx context.Context, s *runState, nodeID string, err error, logger *slog.Logger) error {
	record := s.run.Record
	record.Error = err.Error()
	record.FailedNodeID = nodeID
	record.Log(domain.LogLevelError, nodeID, "run failed: "+err.Error())

	status := string(domain.ExecutionStatusFailed)
	if s.run.FinalAttempt || domain.IsPermanent(err) {
		record.Finish(domain.ExecutionStatusFailed)
	} else {
		record.Status = domain.ExecutionStatusPending
		record.Log(domain.LogLevelWarn, "", fmt.Sprintf("attempt %d failed, awaiting retry", record.Attempt))
		status = "retrying"
	}

	e.save(ctx, record, logger)
	e.metrics.RunFinished(record.GraphID, status, time.Since(s.startedAt))

	logger.Error("run failed", append(errorLogAttrs(err),
		"failed_node", nodeID,
		"status", status,
	)...)
	return err
}

func (e *Executor) cancel(ctx context.Context, s *runState, logger *slog.Logger, reason string) error {
	record := s.run.Record
	record.Log(domain.LogLevelWarn, "", reason)
	record.Finish(domain.ExecutionStatusCancelled)

	e.save(ctx, record, logger)
	e.metrics.RunFinished(record.GraphID, string(domain.ExecutionStatusCancelled), time.Since(s.startedAt))

	logger.Info("run cancelled", "reason", reason)
	return fmt.Errorf("%w: %s", domain.ErrRunCancelled, record.ID)
}

func (e *Executor) notifyProgress(run *Run) {
	if run.OnProgress != nil {
		run.OnProgress(run.Record.Progress)
	}
}

func (e *Executor) save(ctx context.Context, record *domain.ExecutionRecord, logger *slog.Logger) {
	if e.saver == nil {
		return
	}

	snapshot, err := record.Clone()
	if err != nil {
		logger.Error("failed to snapshot execution record", "error", err)
		return
	}

	if err := e.saver.SaveExecution(context.WithoutCancel(ctx), snapshot); err != nil {
		logger.Warn("failed to persist execution record", "error", err)
	}
}

// resolveInputs collects the outputs of the node's active incoming edges. An
// edge is active when its source completed and its condition holds. Entry
// nodes receive the run's input artifacts.
func (s *runState) resolveInputs(id string) ([]domain.ArtifactRef, bool, error) {
	edges := s.incoming[id]
	if len(edges) == 0 {
		return append([]domain.ArtifactRef(nil), s.run.Record.InputArtifacts...), true, nil
	}

	var inputs []domain.ArtifactRef
	active := false
	used := make(map[string]bool, len(edges))

	for _, edge := range edges {
		doc, completed := s.docs[edge.Source]
		if !completed {
			continue
		}

		ok, err := EvaluateCondition(edge.Condition, doc, s.docs)
		if err != nil {
			return nil, false, fmt.Errorf("edge %s: %w", edge.ID, err)
		}
		if !ok {
			continue
		}

		active = true
		if !used[edge.Source] {
			used[edge.Source] = true
			inputs = append(inputs, s.outputs[edge.Source]...)
		}
	}

	return inputs, active, nil
}

func (s *runState) skip(id string) {
	state := s.run.Record.Node(id)
	state.Skipped = true
	s.settled++
}

func (s *runState) markRunning(id string, at time.Time) {
	started := at
	state := s.run.Record.Node(id)
	state.Status = domain.NodeStatusRunning
	state.StartedAt = &started
	s.nodes[id].Status = domain.NodeStatusRunning
}

func (s *runState) markCompleted(r nodeResult) {
	now := time.Now()
	state := s.run.Record.Node(r.nodeID)
	state.Status = domain.NodeStatusCompleted
	state.Progress = 100
	state.CompletedAt = &now
	state.Outputs = r.outputs

	node := s.nodes[r.nodeID]
	node.Status = domain.NodeStatusCompleted
	node.Progress = 100

	s.outputs[r.nodeID] = r.outputs
	s.docs[r.nodeID] = newNodeOutput(*node, r.outputs)
	s.settled++
}

func (s *runState) markFailed(id, message string) {
	now := time.Now()
	state := s.run.Record.Node(id)
	state.Status = domain.NodeStatusError
	state.CompletedAt = &now
	state.Error = message
	s.nodes[id].Status = domain.NodeStatusError
}

func (s *runState) terminalOutputs() []domain.ArtifactRef {
	outputs := []domain.ArtifactRef{}
	for _, id := range s.sinks {
		if artifacts, ok := s.outputs[id]; ok {
			outputs = append(outputs, artifacts...)
		}
	}
	return outputs
}
