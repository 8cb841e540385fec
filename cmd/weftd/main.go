package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eleven-am/weft/internal/adapters/rate_limiter"
	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/api"
	"github.com/eleven-am/weft/internal/core"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

const envConfig = "WEFT_CONFIG"

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML or JSON config file")
		addr       = flag.String("addr", "", "HTTP listen address, overrides api.addr")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		migrate    = flag.Bool("migrate", false, "Apply postgres migrations and exit")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	if *configPath == "" {
		*configPath = os.Getenv(envConfig)
	}

	config := domain.DefaultConfig()
	config.Logger = logger
	if *configPath != "" {
		loaded, err := domain.LoadConfig(*configPath, logger)
		if err != nil {
			log.Fatalf("config load failed: %v", err)
		}
		config = loaded
	}
	if *addr != "" {
		config.API.Addr = *addr
	}

	if *migrate {
		if config.Storage.Backend != domain.StorageBackendPostgres {
			log.Fatalf("migrations need storage.backend=postgres, got %q", config.Storage.Backend)
		}
		if err := storage.Migrate(config.Storage.PostgresDSN, logger); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		return
	}

	if err := run(config, logger); err != nil {
		logger.Error("weftd stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(config *domain.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := core.NewWithConfig(ctx, config)
	if err != nil {
		return err
	}

	if err := registerBuiltins(manager); err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		return err
	}

	logger.Info("weftd starting",
		"addr", config.API.Addr,
		"storage", config.Storage.Backend,
		"queue_enabled", config.Queue.Enabled,
		"queue_backend", config.Queue.Backend,
	)

	var server *api.Server
	var serveErr <-chan error
	if config.API.Enabled {
		var queuePort ports.JobQueuePort
		if q := manager.Queue(); q != nil {
			queuePort = q
		}

		handler := api.NewHandler(manager.Orchestrator(), queuePort, manager.MetricsHandler(), logger)
		if config.API.SubmitRateLimit.RequestsPerSecond > 0 {
			limiter := rate_limiter.New(config.API.SubmitRateLimit, logger)
			defer limiter.Stop()
			handler.LimitSubmissions(limiter)
		}
		server = api.NewServer(config.API, handler.Router(), logger)
		serveErr, err = server.Start()
		if err != nil {
			_ = manager.Stop(context.Background())
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.API.ShutdownTimeout+5*time.Second)
	defer cancel()

	if server != nil {
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http server shutdown failed", "error", shutdownErr)
		}
	}
	if stopErr := manager.Stop(shutdownCtx); stopErr != nil {
		return stopErr
	}

	logger.Info("weftd stopped")
	return err
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
