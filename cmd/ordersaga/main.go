// Package main is the entry point for the order saga server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/ordersaga/internal/capability"
	"github.com/pitabwire/ordersaga/internal/command"
	"github.com/pitabwire/ordersaga/internal/config"
	"github.com/pitabwire/ordersaga/internal/invoker"
	"github.com/pitabwire/ordersaga/internal/lease"
	"github.com/pitabwire/ordersaga/internal/messaging"
	"github.com/pitabwire/ordersaga/internal/notify"
	"github.com/pitabwire/ordersaga/internal/observability"
	"github.com/pitabwire/ordersaga/internal/payout"
	"github.com/pitabwire/ordersaga/internal/transport"
	"github.com/pitabwire/ordersaga/internal/workflow"
	"github.com/pitabwire/ordersaga/model"
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
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ordersaga: %v\n", err)
		return 1
	}

	observability.Version, observability.Commit = version, commit
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ordersaga: logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a := &app{cfg: cfg, logger: logger}
	code := a.serve(ctx)

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.shutdown(shutdownCtx)

	logger.Info("shutdown complete", zap.Int("exit_code", code))
	return code
}

// app owns everything the server opens. Resources register a shutdown hook
// as they are created and shutdown releases them in reverse order, so a
// failed start still closes what was already opened.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	hooks  []shutdownHook
}

type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

func (a *app) onShutdown(name string, fn func(context.Context) error) {
	a.hooks = append(a.hooks, shutdownHook{name, fn})
}

func (a *app) shutdown(ctx context.Context) {
	for _, h := range slices.Backward(a.hooks) {
		if err := h.fn(ctx); err != nil {
			a.logger.Warn("shutdown step failed", zap.String("step", h.name), zap.Error(err))
		}
	}
	a.hooks = nil
}

// fail logs a startup error and yields the exit code.
func (a *app) fail(msg string, err error) int {
	a.logger.Error(msg, zap.Error(err))
	return 1
}

// serve wires every component, recovers in-flight sagas and blocks until
// ctx ends or a server or background task fails.
func (a *app) serve(ctx context.Context) int {
	cfg, logger := a.cfg, a.logger

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "ordersaga", version)
	if err != nil {
		return a.fail("tracing initialization failed", err)
	}
	a.onShutdown("tracing", tracingShutdown)
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	store, err := a.journalStore(ctx)
	if err != nil {
		return a.fail("journal store initialization failed", err)
	}
	redisClient, err := buildRedisClient(ctx, cfg)
	if err != nil {
		return a.fail("redis initialization failed", err)
	}
	if redisClient != nil {
		a.onShutdown("redis", func(context.Context) error { return redisClient.Close() })
	}
	ownerLease := buildLease(cfg.Lease, redisClient, logger)
	idempotencyStore := buildIdempotencyStore(cfg.Idempotency, redisClient, logger)

	acts := invoker.NewHTTPActivities(cfg.Services, logger, metrics)
	gateway := invoker.NewGateway(logger,
		invoker.WithPolicies(invoker.Policies(cfg.Activities)),
		invoker.WithMetrics(metrics),
	)

	engineOpts := []workflow.EngineOption{
		workflow.WithEngineMetrics(metrics),
		workflow.WithSagaConfig(cfg.Saga),
		workflow.WithLease(ownerLease, leaseOwner(), cfg.Lease.TTL),
	}
	kafkaCfg := cfg.Messaging.Kafka
	if kafkaCfg.Enabled {
		publisher := messaging.NewEventPublisher(messaging.NewWriter(kafkaCfg))
		a.onShutdown("event publisher", func(context.Context) error { return publisher.Close() })
		engineOpts = append(engineOpts, workflow.WithEventPublisher(publisher))
	}
	engine := workflow.NewEngine(store, acts, gateway, logger, engineOpts...)
	a.onShutdown("saga engine", engine.Close)

	var startOpts []command.StartExecutorOption
	if idempotencyStore != nil {
		startOpts = append(startOpts,
			command.WithIdempotencyStore(idempotencyStore),
			command.WithTTL(cfg.Idempotency.Store.DefaultTTL),
		)
	}
	starter := command.NewStartExecutor(engine, logger, startOpts...)

	var (
		payouts *payout.Service
		ledger  payout.Ledger
	)
	if cfg.Payout.Enabled {
		if ledger, err = a.payoutLedger(ctx); err != nil {
			return a.fail("payout ledger initialization failed", err)
		}
		payouts = payout.NewService(ledger, acts, gateway, logger,
			payout.WithCommissionRate(decimal.NewFromFloat(cfg.Payout.CommissionRate)),
			payout.WithMetrics(metrics),
		)
		a.onShutdown("payouts", payouts.Close)
	}
	notifications := notify.NewService(acts, gateway, logger, notify.WithMetrics(metrics))
	a.onShutdown("notifications", notifications.Close)

	authenticate, err := buildAuthenticator(cfg.Identity, logger)
	if err != nil {
		return a.fail("authentication initialization failed", err)
	}
	var capabilities model.CapabilityResolver
	if authenticate != nil {
		if capabilities, err = buildCapabilities(cfg.Authorization); err != nil {
			return a.fail("authorization initialization failed", err)
		}
	}
	apiDoc, err := transport.LoadOpenAPI(ctx)
	if err != nil {
		return a.fail("api description load failed", err)
	}

	deps := transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Authenticate:  authenticate,
		Readiness:     readinessChecks(engine, store, ownerLease, idempotencyStore, ledger, kafkaCfg),
		OpenAPI:       apiDoc,
		Sagas:         engine,
		Starter:       starter,
		Notifications: notifications,
		Capabilities:  capabilities,
	}
	if payouts != nil {
		deps.Payouts = payouts
	}

	if cfg.Saga.ResumeOnStart {
		if _, err := engine.Recover(ctx); err != nil {
			return a.fail("saga recovery failed", err)
		}
	} else {
		engine.MarkReady()
	}
	if payouts != nil {
		if n, err := payouts.Resume(ctx); err != nil {
			logger.Error("payout resume failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("resumed unfinished payouts", zap.Int("payouts", n))
		}
	}

	// Background work stops after the HTTP server has drained and before
	// the engine is closed.
	bgCtx, bgCancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgCtx)
	a.onShutdown("background tasks", func(context.Context) error {
		bgCancel()
		return g.Wait()
	})
	g.Go(func() error { return ignoreCanceled(engine.RunTimers(gctx)) })
	if kafkaCfg.Enabled {
		consumer := messaging.NewSignalConsumer(messaging.NewReader(kafkaCfg), engine, logger)
		g.Go(func() error { return ignoreCanceled(consumer.Run(gctx)) })
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	a.onShutdown("http server", srv.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("journal", cfg.Journal.Store.Driver),
		zap.Bool("kafka", kafkaCfg.Enabled),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
		return 0
	case <-gctx.Done():
		if ctx.Err() != nil {
			logger.Info("shutdown initiated")
			return 0
		}
		return a.fail("background task stopped", context.Cause(gctx))
	case err := <-serveErr:
		return a.fail("http server failed", err)
	}
}

// readinessChecks probes every dependency that can report its own health.
func readinessChecks(
	engine *workflow.Engine,
	store workflow.Store,
	ownerLease workflow.Lease,
	idempotency command.IdempotencyStore,
	ledger payout.Ledger,
	kafka config.KafkaConfig,
) observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		EngineRunning:    engine.Running,
		Journal:          healthOf(store),
		Lease:            healthOf(ownerLease),
		IdempotencyStore: healthOf(idempotency),
		PayoutLedger:     healthOf(ledger),
	}
	if kafka.Enabled {
		checks.Broker = messaging.NewBrokerCheck(kafka.Brokers)
	}
	return checks
}

// healthOf returns v's health probe, or nil when v has none.
func healthOf(v any) observability.HealthChecker {
	hc, _ := v.(observability.HealthChecker)
	return hc
}

// leaseOwner identifies this replica in instance leases.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ordersaga"
	}
	return host + "-" + uuid.NewString()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// journalStore opens the configured journal, migrating Postgres schemas
// before first use.
func (a *app) journalStore(ctx context.Context) (workflow.Store, error) {
	cfg := a.cfg.Journal.Store
	switch cfg.Driver {
	case "memory", "":
		a.logger.Warn("using in-memory journal store; sagas will not survive a restart")
		return workflow.NewMemoryStore(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported journal store driver %q", cfg.Driver)
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("journal store: %s is not set", cfg.DSNEnv)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal store: parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("journal store: connect: %w", err)
	}
	a.onShutdown("journal store", func(context.Context) error { pool.Close(); return nil })
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("journal store: ping: %w", err)
	}

	store := workflow.NewPgStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("journal store: migrate: %w", err)
	}
	return store, nil
}

// buildRedisClient connects to Redis if either the lease or the
// idempotency store is configured to use it.
func buildRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	addrEnv, db := "", 0
	switch {
	case cfg.Lease.Driver == "redis":
		addrEnv, db = cfg.Lease.AddrEnv, cfg.Lease.DB
	case cfg.Idempotency.Enabled && cfg.Idempotency.Store.Driver == "redis":
		addrEnv, db = cfg.Idempotency.Store.AddrEnv, cfg.Idempotency.Store.DB
	default:
		return nil, nil
	}

	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

// buildLease creates the instance ownership lease based on config.
func buildLease(cfg config.LeaseConfig, client *redis.Client, logger *zap.Logger) workflow.Lease {
	if cfg.Driver == "redis" && client != nil {
		logger.Info("using redis instance leases")
		return lease.NewRedisLease(client)
	}
	logger.Info("using in-process instance leases")
	return lease.NewMemoryLease(clockwork.NewRealClock())
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, client *redis.Client, logger *zap.Logger) command.IdempotencyStore {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Store.Driver == "redis" && client != nil {
		logger.Info("using redis idempotency store")
		return command.NewRedisIdempotencyStore(client)
	}
	logger.Info("using in-memory idempotency store")
	return command.NewMemoryIdempotencyStore()
}

// payoutLedger opens the configured payout ledger.
func (a *app) payoutLedger(ctx context.Context) (payout.Ledger, error) {
	cfg := a.cfg.Payout
	switch cfg.Driver {
	case "memory", "":
		a.logger.Info("using in-memory payout ledger")
		return payout.NewMemoryLedger(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported payout ledger driver %q", cfg.Driver)
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("payout ledger: %s is not set", cfg.DSNEnv)
	}
	ledger, err := payout.OpenSQLLedger(ctx, dsn)
	if err != nil {
		return nil, err
	}
	a.onShutdown("payout ledger", func(context.Context) error { return ledger.Close() })
	if err := ledger.Migrate(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// buildAuthenticator returns JWT middleware when a signing secret is
// configured, and nil (no authentication) otherwise.
func buildAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.SecretEnv == "" {
		logger.Warn("identity.secret_env not set; API requests are not authenticated")
		return nil, nil
	}
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		logger.Warn("JWT secret not set; API requests are not authenticated", zap.String("env", cfg.SecretEnv))
		return nil, nil
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("%s must be at least 32 bytes", cfg.SecretEnv)
	}
	return transport.JWTAuthenticator(cfg, []byte(secret)), nil
}

// buildCapabilities returns nil when no roles are configured, which leaves
// every authenticated caller unrestricted.
func buildCapabilities(cfg config.AuthorizationConfig) (model.CapabilityResolver, error) {
	var evaluator model.PolicyEvaluator
	switch {
	case cfg.PolicyFile != "":
		e, err := capability.NewStaticPolicyEvaluator(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		evaluator = e
	case len(cfg.Roles) > 0:
		evaluator = capability.NewStaticPolicy(cfg.Roles)
	default:
		return nil, nil
	}
	return capability.NewResolver(evaluator, cfg.CacheTTL), nil
}
