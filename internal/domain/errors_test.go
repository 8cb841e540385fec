package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorUnwrapsToSentinels(t *testing.T) {
	notFound := NewNotFoundError("graph", "g1")
	if !IsNotFound(notFound) {
		t.Error("expected not found error to match ErrNotFound")
	}

	if notFound.Details["id"] != "g1" {
		t.Errorf("expected id detail g1, got %v", notFound.Details["id"])
	}

	cause := errors.New("disk full")
	internal := NewInternalError("failed to save", cause)
	if !errors.Is(internal, cause) {
		t.Error("expected internal error to unwrap to its cause")
	}

	if internal.Error() != "failed to save: disk full" {
		t.Errorf("unexpected message %q", internal.Error())
	}
}

func TestValidationErrorCollectsProblems(t *testing.T) {
	err := NewValidationError("g1")
	if err.HasProblems() {
		t.Fatal("new validation error should have no problems")
	}

	err.Add("node %q has no operation", "a")
	err.Add("edge %s references missing source node %q", "e1", "ghost")

	if !err.HasProblems() {
		t.Fatal("expected problems to be recorded")
	}

	msg := err.Error()
	if !strings.Contains(msg, `node "a" has no operation`) || !strings.Contains(msg, "ghost") {
		t.Errorf("expected every problem in message, got %q", msg)
	}

	wrapped := fmt.Errorf("submit: %w", err)
	if !IsValidation(wrapped) {
		t.Error("expected wrapped validation error to match ErrValidation")
	}
	if !IsPermanent(wrapped) {
		t.Error("validation errors must be permanent")
	}
}

func TestHandlerErrorMatchesBothSentinelAndCause(t *testing.T) {
	cause := errors.New("ocr timeout")
	err := &HandlerError{NodeID: "n1", Operation: "ocr", Err: cause}

	if !IsHandler(err) {
		t.Error("expected handler error to match ErrHandler")
	}
	if !errors.Is(err, cause) {
		t.Error("expected handler error to match its cause")
	}
	if IsPermanent(err) {
		t.Error("handler errors are retryable")
	}
}

func TestPermanentErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"cycle", &CycleError{Nodes: []string{"x", "y"}}, true},
		{"cancelled job", fmt.Errorf("stop: %w", ErrJobCancelled), true},
		{"cancelled run", ErrRunCancelled, true},
		{"condition", fmt.Errorf("%w: bad field", ErrConditionEvaluation), true},
		{"queue unavailable", &QueueUnavailableError{Backend: "redis"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsPermanent(tt.err) != tt.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, !tt.permanent, tt.permanent)
			}
		})
	}
}

func TestQueueUnavailableError(t *testing.T) {
	err := &QueueUnavailableError{Backend: "redis", Err: errors.New("connection refused")}

	if !IsQueueUnavailable(err) {
		t.Error("expected queue unavailable error to match sentinel")
	}
	if !strings.Contains(err.Error(), "redis") {
		t.Errorf("expected backend in message, got %q", err.Error())
	}
}
