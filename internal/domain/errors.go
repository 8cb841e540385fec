package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeTimeout     ErrorType = "timeout"
)

// Error is the general-purpose error carried across adapters when no more
// specific type applies.
type Error struct {
	Type    ErrorType
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	switch e.Type {
	case ErrorTypeNotFound:
		return ErrNotFound
	case ErrorTypeValidation:
		return ErrValidation
	case ErrorTypeUnavailable:
		return ErrQueueUnavailable
	}
	return nil
}

var (
	ErrNotFound            = errors.New("resource not found")
	ErrValidation          = errors.New("validation failed")
	ErrCycle               = errors.New("cycle detected")
	ErrHandler             = errors.New("operation handler failed")
	ErrQueueUnavailable    = errors.New("job queue unavailable")
	ErrConditionEvaluation = errors.New("edge condition evaluation failed")
	ErrJobCancelled        = errors.New("job cancelled")
	ErrRunCancelled        = errors.New("run cancelled")
	ErrInvalidPlan         = errors.New("invalid execution plan")
	ErrAlreadyStarted      = errors.New("already started")
	ErrNotStarted          = errors.New("not started")
	ErrInvalidConfig       = errors.New("invalid configuration")
)

func NewNotFoundError(resource, id string) Error {
	return Error{
		Type:    ErrorTypeNotFound,
		Message: resource + " not found",
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

func NewInternalError(message string, cause error) Error {
	return Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Cause:   cause,
	}
}

// ValidationError reports a malformed graph. It is raised before any node
// runs and is never retried.
type ValidationError struct {
	GraphID  string
	Problems []string
}

func NewValidationError(graphID string, problems ...string) *ValidationError {
	return &ValidationError{GraphID: graphID, Problems: problems}
}

func (e *ValidationError) Add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) HasProblems() bool {
	return len(e.Problems) > 0
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("graph %q: validation failed", e.GraphID)
	}
	return fmt.Sprintf("graph %q: validation failed: %s", e.GraphID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CycleError lists the nodes that participate in at least one cycle.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	if len(e.Nodes) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// HandlerError wraps a failure returned by an operation handler.
type HandlerError struct {
	NodeID    string
	Operation string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.Operation, e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandler, e.Err} }

type QueueUnavailableError struct {
	Backend string
	Err     error
}

func (e *QueueUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (backend %s)", ErrQueueUnavailable.Error(), e.Backend)
	}
	return fmt.Sprintf("%s (backend %s): %v", ErrQueueUnavailable.Error(), e.Backend, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return ErrQueueUnavailable }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsCycle(err error) bool {
	return errors.Is(err, ErrCycle)
}

func IsHandler(err error) bool {
	return errors.Is(err, ErrHandler)
}

func IsQueueUnavailable(err error) bool {
	return errors.Is(err, ErrQueueUnavailable)
}

// IsPermanent reports whether retrying the failed unit of work cannot change
// the outcome.
func IsPermanent(err error) bool {
	return IsValidation(err) || IsCycle(err) || IsNotFound(err) ||
		errors.Is(err, ErrJobCancelled) || errors.Is(err, ErrRunCancelled) ||
		errors.Is(err, ErrInvalidPlan) || errors.Is(err, ErrConditionEvaluation)
}
