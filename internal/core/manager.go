package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/adapters/metrics"
	"github.com/eleven-am/weft/internal/adapters/queue"
	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Manager wires the engine from configuration: store, operation registry,
// optional job queue, metrics and the orchestrator on top of them.
type Manager struct {
	config       *domain.Config
	logger       *slog.Logger
	registry     *memory.OperationRegistry
	store        ports.GraphStore
	backend      ports.JobBackend
	jobQueue     *queue.Queue
	collector    *metrics.Collector
	orchestrator *Orchestrator

	databases []*badger.DB
	gcCancel  context.CancelFunc
}

func NewWithConfig(ctx context.Context, config *domain.Config) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "weft")

	m := &Manager{
		config:   config,
		logger:   logger,
		registry: memory.NewOperationRegistry(logger),
	}

	var metricsPort ports.MetricsPort = ports.NoopMetrics{}
	if config.Metrics.Enabled {
		m.collector = metrics.NewCollector(config.Metrics.Namespace)
		metricsPort = m.collector
	}

	store, storeDB, err := createStore(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	m.store = store
	if storeDB != nil {
		m.databases = append(m.databases, storeDB)
	}

	var jobQueue JobQueue
	if config.Queue.Enabled {
		backend, queueDB, err := createJobBackend(config, storeDB, logger)
		if err != nil {
			m.release()
			return nil, err
		}
		m.backend = backend
		if queueDB != nil {
			m.databases = append(m.databases, queueDB)
		}
		m.jobQueue = queue.New(config.Queue, backend, logger, metricsPort)
		jobQueue = m.jobQueue
	}

	m.orchestrator, err = NewOrchestrator(
		OrchestratorConfig{
			Engine:          config.Engine,
			ShutdownTimeout: config.API.ShutdownTimeout,
		},
		m.store,
		m.registry,
		jobQueue,
		metricsPort,
		logger,
	)
	if err != nil {
		m.release()
		return nil, err
	}

	return m, nil
}

func (m *Manager) RegisterOperation(operation string, handler ports.OperationHandler, opts ports.OperationOptions) error {
	return m.registry.Register(operation, handler, opts)
}

func (m *Manager) UnregisterOperation(operation string) error {
	return m.registry.Unregister(operation)
}

func (m *Manager) Start(ctx context.Context) error {
	gcCtx, cancel := context.WithCancel(context.Background())
	m.gcCancel = cancel
	for _, db := range m.databases {
		if db.Opts().InMemory {
			continue
		}
		go storage.RunGarbageCollection(gcCtx, db, m.logger)
	}

	return m.orchestrator.Startup(ctx)
}

// Stop shuts the orchestrator down and releases the store and backends.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.orchestrator.Shutdown(ctx)
	return errors.Join(err, m.release())
}

func (m *Manager) release() error {
	if m.gcCancel != nil {
		m.gcCancel()
	}

	var errs []error
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.backend != nil {
		if err := m.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, db := range m.databases {
		if db.IsClosed() {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Orchestrator() *Orchestrator {
	return m.orchestrator
}

// Queue returns the job queue, or nil when queueing is disabled.
func (m *Manager) Queue() *queue.Queue {
	return m.jobQueue
}

func (m *Manager) Registry() ports.OperationRegistryPort {
	return m.registry
}

// MetricsHandler serves Prometheus metrics, or is nil when metrics are off.
func (m *Manager) MetricsHandler() http.Handler {
	if m.collector == nil {
		return nil
	}
	return m.collector.Handler()
}

func (m *Manager) Config() *domain.Config {
	return m.config
}
