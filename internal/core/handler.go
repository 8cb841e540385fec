package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/eleven-am/weft/internal/adapters/engine"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

// RunResult is the job result stored for a completed workflow run.
type RunResult struct {
	ExecutionID string               `json:"execution_id"`
	Status      string               `json:"status"`
	Outputs     []domain.ArtifactRef `json:"outputs"`
}

// handleWorkflowJob runs one queue attempt of a workflow run. The graph is
// re-planned on every attempt and the record is reset, keeping its logs.
func (o *Orchestrator) handleWorkflowJob(ctx context.Context, job *domain.Job, progress ports.ProgressFunc) (xjson.RawMessage, error) {
	var payload domain.WorkflowRunPayload
	if err := xjson.Unmarshal(job.Payload, &payload); err != nil {
		return nil, domain.NewValidationError("", fmt.Sprintf("malformed workflow run payload: %v", err))
	}
	if payload.ExecutionID == "" || payload.GraphID == "" {
		return nil, domain.NewValidationError(payload.GraphID, "workflow run payload needs execution_id and graph_id")
	}

	logger := o.logger.With(
		"job_id", job.ID,
		"execution_id", payload.ExecutionID,
		"graph_id", payload.GraphID,
		"attempt", job.Attempts,
	)

	record, err := o.store.LoadExecution(ctx, payload.ExecutionID)
	if err != nil {
		return nil, err
	}

	switch record.Status {
	case domain.ExecutionStatusCompleted:
		logger.Info("run already completed")
		return encodeRunResult(record)
	case domain.ExecutionStatusCancelled:
		return nil, fmt.Errorf("%w: %s", domain.ErrRunCancelled, record.ID)
	}

	graph, err := o.store.LoadGraph(ctx, payload.GraphID)
	if err != nil {
		return nil, err
	}
	if graph.Version != record.GraphVersion {
		logger.Warn("graph changed since submission",
			"submitted_version", record.GraphVersion,
			"current_version", graph.Version,
		)
	}
	if err := engine.ValidateGraph(graph, o.registry.Has); err != nil {
		return nil, err
	}
	plan, err := engine.BuildPlan(graph.Nodes, graph.Edges, o.registry.IsParallelSafe, o.costs.Cost)
	if err != nil {
		return nil, err
	}

	record.ResetForAttempt(job.Attempts)
	record.GraphVersion = graph.Version
	if record.JobID == "" {
		record.JobID = job.ID
	}

	token := o.track(record.ID)
	defer o.untrack(record.ID)

	// A cancelled job trips the run token so the run ends as cancelled; any
	// other end of the job context (shutdown) interrupts the run instead.
	runCtx, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	defer interrupt()
	stop := context.AfterFunc(ctx, func() {
		if errors.Is(context.Cause(ctx), domain.ErrJobCancelled) {
			token.Cancel()
			return
		}
		interrupt()
	})
	defer stop()

	err = o.executor.Execute(runCtx, &engine.Run{
		Record:       record,
		Graph:        graph,
		Plan:         plan,
		Token:        token,
		Config:       record.Config,
		FinalAttempt: job.Attempts >= job.MaxAttempts,
		OnProgress:   progress,
	})
	if err != nil {
		return nil, err
	}

	return encodeRunResult(record)
}

func encodeRunResult(record *domain.ExecutionRecord) (xjson.RawMessage, error) {
	data, err := xjson.Marshal(RunResult{
		ExecutionID: record.ID,
		Status:      string(record.Status),
		Outputs:     record.OutputArtifacts,
	})
	if err != nil {
		return nil, domain.NewInternalError("failed to encode run result", err)
	}
	return data, nil
}
