package memory

import (
	"github.com/eleven-am/weft/internal/ports"
)

func validateRegistration(operation string, handler ports.OperationHandler) error {
	if handler == nil {
		return ports.OperationRegistrationError{
			Operation: operation,
			Reason:    "handler cannot be nil",
		}
	}

	return validateOperationName(operation)
}

func validateOperationName(operation string) error {
	if operation == "" {
		return ports.OperationRegistrationError{
			Operation: operation,
			Reason:    "operation name cannot be empty",
		}
	}

	return nil
}
