// Package weft provides a workflow orchestration engine for document
// processing pipelines.
//
// A pipeline is a directed acyclic graph of operation nodes. Weft validates
// the graph, plans its execution (ordering, parallel groups and a critical
// path estimate) and runs it, either in-process or through a durable job
// queue that retries failed runs with backoff.
//
// Basic usage:
//
//	manager, err := weft.New(ctx, weft.DefaultConfig())
//	manager.RegisterOperation("ocr", weft.OperationFunc(runOCR), weft.OperationOptions{ParallelSafe: true})
//	manager.Start(ctx)
//
//	manager.Orchestrator().SaveGraph(ctx, graph)
//	record, err := manager.Orchestrator().SubmitRun(ctx, graph.ID, inputs, nil)
package weft

import (
	"context"
	"log/slog"

	"github.com/eleven-am/weft/internal/adapters/engine"
	"github.com/eleven-am/weft/internal/core"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Manager wires storage, the operation registry, the optional job queue and
// metrics behind the orchestrator.
type Manager = core.Manager

// Orchestrator is the submission API: graphs, runs and cancellation.
type Orchestrator = core.Orchestrator

// RunResult is the result stored on a completed workflow run job.
type RunResult = core.RunResult

// Graph is a document pipeline of operation nodes joined by directed edges.
type Graph = domain.Graph

// Node is one operation in a graph.
type Node = domain.Node

// Edge connects two nodes, optionally guarded by a condition.
type Edge = domain.Edge

// Condition guards an edge with either a field comparison or an expression.
type Condition = domain.Condition

// ArtifactRef points at a document artifact held by an external store.
type ArtifactRef = domain.ArtifactRef

// ExecutionRecord is the persisted state of one workflow run.
type ExecutionRecord = domain.ExecutionRecord

// ExecutionStatus is the lifecycle status of a run.
type ExecutionStatus = domain.ExecutionStatus

const (
	ExecutionStatusPending   = domain.ExecutionStatusPending
	ExecutionStatusRunning   = domain.ExecutionStatusRunning
	ExecutionStatusCompleted = domain.ExecutionStatusCompleted
	ExecutionStatusFailed    = domain.ExecutionStatusFailed
	ExecutionStatusCancelled = domain.ExecutionStatusCancelled
)

// Job is a queued unit of asynchronous work.
type Job = domain.Job

// JobRequest describes a job to submit to the queue.
type JobRequest = domain.JobRequest

// QueueStats summarises the queue; all counters are zero while unavailable.
type QueueStats = domain.QueueStats

// Analysis is the result of analysing a stored graph.
type Analysis = engine.Analysis

// ExecutionPlan is the ordered list of steps a run follows.
type ExecutionPlan = engine.ExecutionPlan

// OperationHandler performs one document transform.
type OperationHandler = ports.OperationHandler

// OperationFunc adapts a plain function to OperationHandler.
type OperationFunc = ports.OperationFunc

// OperationOptions describe how the engine may schedule an operation.
type OperationOptions = ports.OperationOptions

// JobHandler executes one attempt of a custom job type.
type JobHandler = ports.JobHandler

// ProgressFunc reports job progress in percent.
type ProgressFunc = ports.ProgressFunc

// ValidationError reports a malformed graph.
type ValidationError = domain.ValidationError

// CycleError lists the nodes that take part in a cycle.
type CycleError = domain.CycleError

// HandlerError wraps a failure returned by an operation handler.
type HandlerError = domain.HandlerError

// QueueUnavailableError is returned while the queue backend is unreachable.
type QueueUnavailableError = domain.QueueUnavailableError

var (
	ErrNotFound         = domain.ErrNotFound
	ErrValidation       = domain.ErrValidation
	ErrCycle            = domain.ErrCycle
	ErrHandler          = domain.ErrHandler
	ErrQueueUnavailable = domain.ErrQueueUnavailable
	ErrRunCancelled     = domain.ErrRunCancelled
)

// New builds a Manager from config. Nil config means DefaultConfig.
func New(ctx context.Context, config *Config) (*Manager, error) {
	return core.NewWithConfig(ctx, config)
}

// NewInMemory builds a Manager with in-memory storage and no job queue.
func NewInMemory(logger *slog.Logger) (*Manager, error) {
	config := DefaultConfig()
	config.Logger = logger
	return core.NewWithConfig(context.Background(), config)
}

func IsNotFound(err error) bool {
	return domain.IsNotFound(err)
}

func IsValidation(err error) bool {
	return domain.IsValidation(err)
}

func IsCycle(err error) bool {
	return domain.IsCycle(err)
}

func IsQueueUnavailable(err error) bool {
	return domain.IsQueueUnavailable(err)
}
