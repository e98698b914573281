// Package main is the entry point for the approval workflow server.
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

	"github.com/medlar/approvals/internal/capability"
	"github.com/medlar/approvals/internal/config"
	"github.com/medlar/approvals/internal/definition"
	"github.com/medlar/approvals/internal/notify"
	"github.com/medlar/approvals/internal/observability"
	"github.com/medlar/approvals/internal/scheduling"
	"github.com/medlar/approvals/internal/transport"
	"github.com/medlar/approvals/internal/verification"
	"github.com/medlar/approvals/internal/workflow"
	"github.com/medlar/approvals/model"
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "approvals", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Build the definition registry: built-in pipelines plus any
	// operator overrides found on disk.
	registry, err := buildRegistry(cfg.Definitions)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(len(registry.AllKinds())))

	// Step 5: Initialize the visibility scope resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("scope policy initialization failed", zap.Error(err))
		return 1
	}
	scopes := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL)

	// Step 6: Initialize persistence. The workflow and verification stores
	// share one connection pool when both use postgres.
	pool, poolCloser, err := buildPgPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("database initialization failed", zap.Error(err))
		return 1
	}

	wfStore := buildWorkflowStore(cfg.Workflow.Store, pool, logger)
	recordStore := buildRecordStore(cfg.Verification.Store, pool, logger)
	gate := verification.NewGate(recordStore, nil)

	// Step 7: Scheduling service for exception booking and fallback.
	scheduler := scheduling.NewService(
		scheduling.NewMemoryDirectory(),
		scheduling.NewMemoryBook(),
		scheduling.NewMemorySolicitations(),
		nil, logger,
	)

	// Step 8: The workflow engine and its idempotent front.
	engine := workflow.NewEngine(
		registry, wfStore, gate,
		workflow.NewHookSet(gate, scheduler),
		scopes, nil, logger,
		workflow.Options{AutoSchedulingEnabled: cfg.Scheduling.AutoSchedulingEnabled},
	)

	redisClient, redisCloser := buildRedisClient(cfg, logger)
	executor := workflow.NewIdempotentExecutor(
		engine,
		buildIdempotencyStore(cfg.Idempotency, redisClient, logger),
		cfg.Idempotency.DefaultTTL,
	)

	// Step 9: Notification dispatch.
	notifier := buildNotifier(cfg.Notifier, redisClient, logger)

	// Step 10: HTTP transport.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	handlers := transport.NewHandlers(registry, engine, executor, gate, notifier, metrics, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllKinds()) > 0 },
	}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}
	if hc, ok := recordStore.(observability.HealthChecker); ok {
		readiness.VerificationStore = hc
	}
	if hc, ok := notifier.(observability.HealthChecker); ok {
		readiness.NotificationQueue = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Handlers:     handlers,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Hot reload of definition overrides on SIGHUP.
	if cfg.Definitions.HotReload {
		go runDefinitionReloader(ctx, cfg.Definitions, registry, metrics, logger)
	}

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("kinds", len(registry.AllKinds())),
		zap.String("definitions_checksum", registry.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
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

	// Close stores and clients.
	if poolCloser != nil {
		poolCloser()
	}
	if redisCloser != nil {
		redisCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildRegistry loads the built-in kind definitions, applies YAML overrides
// from the configured directories, and validates the combined set.
func buildRegistry(cfg config.DefinitionsConfig) (*definition.Registry, error) {
	defs, err := mergedDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	return definition.NewRegistry(defs), nil
}

// mergedDefinitions merges file overrides onto the built-in definitions,
// keyed by kind, and validates the result.
func mergedDefinitions(cfg config.DefinitionsConfig) ([]model.KindDefinition, error) {
	byKind := make(map[string]int)
	defs := definition.Builtin()
	for i, def := range defs {
		byKind[def.Kind] = i
	}

	loaded, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	for _, def := range loaded {
		if i, ok := byKind[def.Kind]; ok {
			defs[i] = def
		} else {
			byKind[def.Kind] = len(defs)
			defs = append(defs, def)
		}
	}

	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		return nil, fmt.Errorf("definition validation failed: %v", verrs[0])
	}
	return defs, nil
}

// runDefinitionReloader swaps the registry's definitions on SIGHUP. A reload
// that fails validation keeps the previous set.
func runDefinitionReloader(
	ctx context.Context,
	cfg config.DefinitionsConfig,
	registry *definition.Registry,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			defs, err := mergedDefinitions(cfg)
			if err != nil {
				metrics.RecordDefinitionReload("failure")
				logger.Error("definition reload failed", zap.Error(err))
				continue
			}
			registry.Replace(defs)
			metrics.RecordDefinitionReload("success")
			metrics.SetDefinitionsLoaded(float64(len(defs)))
			logger.Info("definitions reloaded",
				zap.Int("kinds", len(defs)),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}

// buildPgPool creates the shared connection pool when any store driver is
// postgres. Returns a nil pool when everything runs in memory.
func buildPgPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, func(), error) {
	if cfg.Workflow.Store.Driver != "postgres" && cfg.Verification.Store.Driver != "postgres" {
		return nil, nil, nil
	}

	dsnEnv := cfg.Workflow.Store.DSNEnv
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("postgres store: %s environment variable not set", dsnEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store: parse DSN: %w", err)
	}
	if cfg.Workflow.Store.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.Workflow.Store.MaxOpenConns)
	}
	if cfg.Workflow.Store.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.Workflow.Store.MaxIdleConns)
	}
	if cfg.Workflow.Store.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.Workflow.Store.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	logger.Info("connected to postgres")
	return pool, pool.Close, nil
}

func buildWorkflowStore(cfg config.WorkflowStoreConfig, pool *pgxpool.Pool, logger *zap.Logger) workflow.WorkflowStore {
	if cfg.Driver == "postgres" && pool != nil {
		return workflow.NewPgWorkflowStore(pool)
	}
	logger.Info("using in-memory workflow store")
	return workflow.NewMemoryWorkflowStore()
}

func buildRecordStore(cfg config.WorkflowStoreConfig, pool *pgxpool.Pool, logger *zap.Logger) verification.RecordStore {
	if cfg.Driver == "postgres" && pool != nil {
		return verification.NewPgRecordStore(pool)
	}
	logger.Info("using in-memory verification record store")
	return verification.NewMemoryRecordStore()
}

// buildRedisClient connects to Redis when the notifier or the idempotency
// store needs it.
func buildRedisClient(cfg *config.Config, logger *zap.Logger) (*redis.Client, func()) {
	if cfg.Notifier.Driver != "redis" && cfg.Idempotency.Driver != "redis" {
		return nil, nil
	}

	addr := os.Getenv(cfg.Redis.AddrEnv)
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
	logger.Info("connected to redis", zap.String("addr", addr))
	return client, func() { _ = client.Close() }
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, client *redis.Client, logger *zap.Logger) workflow.IdempotencyStore {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Driver == "redis" && client != nil {
		return workflow.NewRedisIdempotencyStore(client)
	}
	logger.Info("using in-memory idempotency store")
	return workflow.NewMemoryIdempotencyStore()
}

func buildNotifier(cfg config.NotifierConfig, client *redis.Client, logger *zap.Logger) notify.Notifier {
	if cfg.Driver == "redis" && client != nil {
		breaker := notify.NewCircuitBreaker(
			cfg.Breaker.FailureThreshold,
			cfg.Breaker.SuccessThreshold,
			cfg.Breaker.Timeout,
		)
		return notify.NewRedisNotifier(client, cfg.Queue, breaker, logger)
	}
	return notify.NewLogNotifier(logger)
}
