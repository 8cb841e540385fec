package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// PanicError is returned when an operation handler panics.
type PanicError struct {
	NodeID     string
	Value      interface{}
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler for node %s panicked: %v", e.NodeID, e.Value)
}

func executeWithRecovery(
	ctx context.Context,
	logger *slog.Logger,
	nodeID string,
	handler ports.OperationHandler,
	inputs []domain.ArtifactRef,
	config map[string]interface{},
) (outputs []domain.ArtifactRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := &PanicError{
				NodeID:     nodeID,
				Value:      r,
				StackTrace: string(debug.Stack()),
			}

			logger.Error("operation handler panicked",
				"node_id", nodeID,
				"panic_value", r,
				"stack_trace", panicErr.StackTrace,
			)

			outputs = nil
			err = panicErr
		}
	}()

	return handler.Execute(ctx, inputs, config)
}
