// Package main is the entry point for the batchflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/capability"
	"github.com/pitabwire/batchflow/internal/catalog"
	"github.com/pitabwire/batchflow/internal/config"
	"github.com/pitabwire/batchflow/internal/events"
	"github.com/pitabwire/batchflow/internal/idempotency"
	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/internal/transport"
	"github.com/pitabwire/batchflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "batchflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load the phase catalog and the role policy.
	cat, err := buildCatalog(cfg.Catalog)
	if err != nil {
		logger.Error("catalog loading failed", zap.Error(err))
		return 1
	}
	policy, err := buildPolicy(cfg.Roles)
	if err != nil {
		logger.Error("role policy loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Initialize the workflow store.
	wfStore, wfStoreCloser, err := buildWorkflowStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Initialize the idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Connect the event publisher.
	publisher, err := buildPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}

	engine := workflow.NewEngine(cat, policy, wfStore,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithPublisher(publisher),
	)

	// Step 8: Build the HTTP router.
	publicKey, err := transport.LoadPublicKey(cfg.Identity.PublicKeyFile)
	if err != nil {
		logger.Error("identity key loading failed", zap.Error(err))
		return 1
	}

	readinessChecks := observability.ReadinessChecks{
		CatalogLoaded: func() bool { return len(cat.ProductTypes()) > 0 },
		RolesLoaded:   func() bool { return len(policy.Roles()) > 0 },
		WorkflowStore: wfStore,
	}
	if idemStore != nil {
		readinessChecks.IdempotencyStore = idemStore
	}
	if hc, ok := publisher.(observability.HealthChecker); ok {
		readinessChecks.EventPublisher = hc
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler(prometheus.DefaultGatherer)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Engine:         engine,
		Policy:         policy,
		Idempotency:    idemStore,
		Metrics:        metrics,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, publicKey),
		Readiness:      readinessChecks,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go runStuckPhaseMonitor(bgCtx, engine, metrics, cfg.Workflow, logger)
	go runPolicyReloader(bgCtx, policy, cfg.Roles.File, logger)

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("workflow_store", cfg.Workflow.Store.Driver),
		zap.Int("product_types", len(cat.ProductTypes())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	publisher.Close()
	if wfStoreCloser != nil {
		wfStoreCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildCatalog loads the configured catalog file or falls back to the
// built-in product templates.
func buildCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if cfg.File == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.File)
}

// buildPolicy loads the configured role file or falls back to the built-in
// role table.
func buildPolicy(cfg config.RolesConfig) (*capability.Policy, error) {
	if cfg.File == "" {
		return capability.DefaultPolicy(), nil
	}
	return capability.LoadPolicy(cfg.File)
}

type workflowStore interface {
	workflow.Store
	observability.HealthChecker
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (workflowStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: %w", err)
			}
		}
		logger.Info("using postgres workflow store", zap.Int("max_conns", cfg.MaxOpenConns))
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr), zap.Int("db", cfg.Store.DB))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildPublisher connects the phase event publisher based on config.
func buildPublisher(cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.Driver {
	case "none", "":
		return events.NopPublisher{}, nil
	case "nats":
		url := os.Getenv(cfg.URLEnv)
		if url == "" {
			return nil, fmt.Errorf("events: %s environment variable not set", cfg.URLEnv)
		}
		pub, err := events.ConnectNATS(events.NATSOptions{
			URL:           url,
			Name:          "batchflow",
			SubjectPrefix: cfg.SubjectPrefix,
			MaxReconnects: cfg.MaxReconnects,
			ReconnectWait: cfg.ReconnectWait,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("publishing phase events to NATS", zap.String("subject_prefix", cfg.SubjectPrefix))
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}

// runStuckPhaseMonitor periodically reports phases that have been in progress
// longer than the configured threshold.
func runStuckPhaseMonitor(ctx context.Context, engine *workflow.Engine, metrics *observability.Metrics, cfg config.WorkflowConfig, logger *zap.Logger) {
	interval := cfg.StuckCheckInterval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck, err := engine.FindStuck(ctx, cfg.StuckThreshold)
			if err != nil {
				logger.Error("stuck phase check failed", zap.Error(err))
				continue
			}
			metrics.SetStuckPhases(float64(len(stuck)))
			for _, exec := range stuck {
				logger.Warn("phase stuck in progress",
					zap.String("batch_id", exec.BatchID),
					zap.String("phase", exec.Phase.String()),
					zap.String("started_by", exec.StartedBy),
					zap.Timep("started_at", exec.StartedAt),
				)
			}
		}
	}
}

// runPolicyReloader reloads the role file on SIGHUP.
func runPolicyReloader(ctx context.Context, policy *capability.Policy, path string, logger *zap.Logger) {
	if path == "" {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policy.Sync(); err != nil {
				logger.Error("role policy reload failed", zap.Error(err))
				continue
			}
			logger.Info("role policy reloaded", zap.String("file", path), zap.Int("roles", len(policy.Roles())))
		}
	}
}
