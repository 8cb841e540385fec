package memory

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

type registeredOperation struct {
	handler ports.OperationHandler
	opts    ports.OperationOptions
}

type OperationRegistry struct {
	operations map[string]registeredOperation
	mu         sync.RWMutex
	logger     *slog.Logger
}

func NewOperationRegistry(logger *slog.Logger) *OperationRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	return &OperationRegistry{
		operations: make(map[string]registeredOperation),
		logger:     logger.With("component", "registry", "type", "memory"),
	}
}

func (r *OperationRegistry) Register(operation string, handler ports.OperationHandler, opts ports.OperationOptions) error {
	if err := validateRegistration(operation, handler); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operations[operation]; exists {
		r.logger.Warn("operation registration conflict detected", "operation", operation)
		return ports.OperationRegistrationError{
			Operation: operation,
			Reason:    "operation already registered",
		}
	}

	r.operations[operation] = registeredOperation{handler: handler, opts: opts}
	r.logger.Info("operation registered", "operation", operation, "parallel_safe", opts.ParallelSafe)
	return nil
}

func (r *OperationRegistry) Get(operation string) (ports.OperationHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, exists := r.operations[operation]
	if !exists {
		r.logger.Debug("operation not found", "operation", operation)
		return nil, domain.NewNotFoundError("operation", operation)
	}
	return op.handler, nil
}

func (r *OperationRegistry) Has(operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.operations[operation]
	return exists
}

func (r *OperationRegistry) IsParallelSafe(operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, exists := r.operations[operation]
	return exists && op.opts.ParallelSafe
}

func (r *OperationRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *OperationRegistry) Unregister(operation string) error {
	if err := validateOperationName(operation); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operations[operation]; !exists {
		r.logger.Warn("attempt to unregister non-existent operation", "operation", operation)
		return domain.NewNotFoundError("operation", operation)
	}

	delete(r.operations, operation)
	r.logger.Info("operation unregistered", "operation", operation)
	return nil
}

var _ ports.OperationRegistryPort = (*OperationRegistry)(nil)
