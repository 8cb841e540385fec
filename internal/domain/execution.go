package domain

import (
	"time"

	"github.com/eleven-am/weft/internal/xjson"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
}

// NodeState is the per-run view of a node.
type NodeState struct {
	Status      NodeStatus    `json:"status"`
	Progress    int           `json:"progress"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
	Outputs     []ArtifactRef `json:"outputs,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// StepSummary is the persisted outline of one execution step.
type StepSummary struct {
	NodeIDs          []string      `json:"node_ids"`
	CanRunInParallel bool          `json:"can_run_in_parallel"`
	EstimatedTime    time.Duration `json:"estimated_time"`
}

type ExecutionRecord struct {
	ID              string                 `json:"id"`
	GraphID         string                 `json:"graph_id"`
	GraphVersion    int64                  `json:"graph_version"`
	JobID           string                 `json:"job_id,omitempty"`
	Status          ExecutionStatus        `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Progress        int                    `json:"progress"`
	InputArtifacts  []ArtifactRef          `json:"input_artifacts"`
	OutputArtifacts []ArtifactRef          `json:"output_artifacts"`
	Config          map[string]interface{} `json:"config,omitempty"`
	Nodes           map[string]*NodeState  `json:"nodes"`
	Plan            []StepSummary          `json:"plan,omitempty"`
	Logs            []LogEntry             `json:"logs"`
	Error           string                 `json:"error,omitempty"`
	FailedNodeID    string                 `json:"failed_node_id,omitempty"`
	Attempt         int                    `json:"attempt"`
}

func NewExecutionRecord(id string, graph *Graph, inputs []ArtifactRef, config map[string]interface{}) *ExecutionRecord {
	nodes := make(map[string]*NodeState, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodes[n.ID] = &NodeState{Status: NodeStatusIdle}
	}

	return &ExecutionRecord{
		ID:              id,
		GraphID:         graph.ID,
		GraphVersion:    graph.Version,
		Status:          ExecutionStatusPending,
		StartedAt:       time.Now(),
		InputArtifacts:  inputs,
		OutputArtifacts: []ArtifactRef{},
		Config:          config,
		Nodes:           nodes,
		Logs:            []LogEntry{},
	}
}

func (r *ExecutionRecord) Log(level LogLevel, nodeID, message string) {
	r.Logs = append(r.Logs, LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		NodeID:    nodeID,
	})
}

// SetProgress raises progress to p. Lower values are ignored, and 100 is held
// back until the run has completed.
func (r *ExecutionRecord) SetProgress(p int) {
	if p > 100 {
		p = 100
	}
	if p >= 100 && r.Status != ExecutionStatusCompleted {
		p = 99
	}
	if p > r.Progress {
		r.Progress = p
	}
}

func (r *ExecutionRecord) Node(id string) *NodeState {
	if r.Nodes == nil {
		r.Nodes = make(map[string]*NodeState)
	}
	state, ok := r.Nodes[id]
	if !ok {
		state = &NodeState{Status: NodeStatusIdle}
		r.Nodes[id] = state
	}
	return state
}

// Finish moves the record into a terminal status.
func (r *ExecutionRecord) Finish(status ExecutionStatus) {
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	if status == ExecutionStatusCompleted {
		r.Progress = 100
	}
}

// ResetForAttempt prepares a record that is waiting on a retry for its next
// attempt. Logs and progress are kept so the history of earlier attempts
// survives and polled progress never moves backwards.
func (r *ExecutionRecord) ResetForAttempt(attempt int) {
	r.Attempt = attempt
	r.Status = ExecutionStatusPending
	r.CompletedAt = nil
	r.Error = ""
	r.FailedNodeID = ""
	r.OutputArtifacts = []ArtifactRef{}
	for id := range r.Nodes {
		r.Nodes[id] = &NodeState{Status: NodeStatusIdle}
	}
}

func (r *ExecutionRecord) Clone() (*ExecutionRecord, error) {
	data, err := xjson.Marshal(r)
	if err != nil {
		return nil, NewInternalError("failed to clone execution record", err)
	}

	var clone ExecutionRecord
	if err := xjson.Unmarshal(data, &clone); err != nil {
		return nil, NewInternalError("failed to clone execution record", err)
	}
	return &clone, nil
}
