package ports

import "time"

// MetricsPort receives engine and queue telemetry. Implementations must be
// safe for concurrent use.
type MetricsPort interface {
	RunStarted(graphID string)
	RunFinished(graphID string, status string, duration time.Duration)
	NodeFinished(operation string, status string, duration time.Duration)
	StepExecuted(parallel bool, size int)
	JobSubmitted(jobType string)
	JobFinished(jobType string, status string, attempts int)
	JobRetried(jobType string)
	QueueAvailability(available bool)
}

type NoopMetrics struct{}

func (NoopMetrics) RunStarted(string) {}
func (NoopMetrics) RunFinished(string, string, time.Duration) {}
func (NoopMetrics) NodeFinished(string, string, time.Duration) {}
func (NoopMetrics) StepExecuted(bool, int) {}
func (NoopMetrics) JobSubmitted(string) {}
func (NoopMetrics) JobFinished(string, string, int) {}
func (NoopMetrics) JobRetried(string) {}
func (NoopMetrics) QueueAvailability(bool) {}
