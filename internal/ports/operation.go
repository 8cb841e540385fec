package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// OperationHandler performs one document transform. Handlers must be safe to
// call again with the same inputs, because a failed job is retried whole.
type OperationHandler interface {
	Execute(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error)
}

// OperationFunc adapts a plain function to OperationHandler.
type OperationFunc func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error)

func (f OperationFunc) Execute(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
	return f(ctx, inputs, config)
}

type OperationOptions struct {
	// ParallelSafe marks the operation as safe to run concurrently with other
	// nodes of the same step.
	ParallelSafe bool
	Description  string
}

type OperationRegistryPort interface {
	Register(operation string, handler OperationHandler, opts OperationOptions) error
	Get(operation string) (OperationHandler, error)
	Has(operation string) bool
	IsParallelSafe(operation string) bool
	List() []string
	Unregister(operation string) error
}

type OperationRegistrationError struct {
	Operation string
	Reason    string
}

func (e OperationRegistrationError) Error() string {
	return "operation registration failed for '" + e.Operation + "': " + e.Reason
}
