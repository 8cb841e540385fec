package domain

import (
	"time"

	"github.com/eleven-am/weft/internal/xjson"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDelayed   JobStatus = "delayed"
)

var AllJobStatuses = []JobStatus{
	JobStatusWaiting,
	JobStatusActive,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusDelayed,
}

func (s JobStatus) IsFinished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobTypeWorkflowRun is the job type the orchestrator registers for queued
// workflow runs.
const JobTypeWorkflowRun = "workflow.run"

type Job struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Payload       xjson.RawMessage  `json:"payload,omitempty"`
	Status        JobStatus         `json:"status"`
	Progress      int               `json:"progress"`
	Result        xjson.RawMessage  `json:"result,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	ProcessAfter  *time.Time        `json:"process_after,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// JobRequest describes a job to submit. ID is optional; callers that must
// record the job id before a worker can pick the job up assign it here.
type JobRequest struct {
	ID          string            `json:"id,omitempty"`
	Type        string            `json:"type"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Payload     xjson.RawMessage  `json:"payload,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Delay       time.Duration     `json:"delay,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type QueueStats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Available bool `json:"available"`
}

func (j *Job) Clone() *Job {
	clone := *j
	if j.Payload != nil {
		clone.Payload = append(xjson.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		clone.Result = append(xjson.RawMessage(nil), j.Result...)
	}
	if j.Metadata != nil {
		clone.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (j *Job) ToBytes() ([]byte, error) {
	return xjson.Marshal(j)
}

func JobFromBytes(data []byte) (*Job, error) {
	var job Job
	if err := xjson.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WorkflowRunPayload is the payload of a JobTypeWorkflowRun job.
type WorkflowRunPayload struct {
	ExecutionID string `json:"execution_id"`
	GraphID     string `json:"graph_id"`
}
