package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/siteops/approvals/internal/capability"
	"github.com/siteops/approvals/internal/config"
	"github.com/siteops/approvals/internal/directory"
	"github.com/siteops/approvals/internal/escalation"
	"github.com/siteops/approvals/internal/idempotency"
	"github.com/siteops/approvals/internal/migrate"
	"github.com/siteops/approvals/internal/notify"
	"github.com/siteops/approvals/internal/observability"
	"github.com/siteops/approvals/internal/session"
	"github.com/siteops/approvals/internal/workflow"
)

// app is the fully wired service graph shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	store       workflow.Store
	storeHealth observability.HealthChecker
	redis       *redis.Client

	staticDir *directory.StaticDirectory
	directory directory.Directory
	policy    *capability.StaticPolicyEvaluator
	resolver  *capability.Resolver

	dispatcher   *notify.Dispatcher
	orchestrator *workflow.Orchestrator
	escalation   *escalation.Service
	idempotency  idempotency.Store
	sessions     session.Store

	closers []func()
}

// newApp builds every dependency described by cfg. The metrics registerer
// may be nil for one-shot commands that never expose /metrics.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if reg != nil {
		a.metrics = observability.InitMetrics(reg)
	}

	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	if cfg.UsesRedis() {
		if err := a.buildRedis(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.buildDirectory(); err != nil {
		return nil, err
	}
	if err := a.buildCapability(); err != nil {
		return nil, err
	}

	sink, err := a.buildSink()
	if err != nil {
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(sink, cfg.Notify.QueueSize, cfg.Notify.Workers,
		cfg.Notify.PublishTimeout, logger, a.metrics)

	validator, err := workflow.NewPayloadValidator()
	if err != nil {
		return nil, fmt.Errorf("payload schemas: %w", err)
	}

	a.orchestrator = workflow.NewOrchestrator(a.store,
		workflow.WithDirectory(a.directory),
		workflow.WithSink(a.dispatcher),
		workflow.WithCapabilityResolver(a.resolver),
		workflow.WithPayloadValidator(validator),
		workflow.WithLogger(logger),
		workflow.WithMetrics(a.metrics),
	)
	a.escalation = escalation.NewService(a.orchestrator,
		escalation.WithSink(a.dispatcher),
		escalation.WithDirectory(a.directory),
		escalation.WithCapabilityResolver(a.resolver),
		escalation.WithLogger(logger),
		escalation.WithMetrics(a.metrics),
	)

	a.buildIdempotency()
	a.buildSessions()

	ok = true
	return a, nil
}

// buildStore opens the configured workflow store, running migrations first
// when store.auto_migrate is set.
func (a *app) buildStore(ctx context.Context) error {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.StoreMemory, "":
		a.logger.Info("using in-memory workflow store")
		s := workflow.NewMemoryStore()
		a.store, a.storeHealth = s, s
		return nil

	case config.StoreSQLite:
		db, err := workflow.OpenSQLite(cfg.ResolveDSN())
		if err != nil {
			return fmt.Errorf("workflow store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if cfg.AutoMigrate {
			v, err := migrate.SQLite(ctx, db)
			if err != nil {
				return fmt.Errorf("workflow store: migrate: %w", err)
			}
			a.logger.Info("sqlite schema ready", zap.Int("version", v))
		}
		s := workflow.NewSQLiteStore(db)
		a.store, a.storeHealth = s, s
		return nil

	case config.StorePostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		if cfg.AutoMigrate {
			v, err := migrate.Postgres(ctx, pool)
			if err != nil {
				return fmt.Errorf("workflow store: migrate: %w", err)
			}
			a.logger.Info("postgres schema ready", zap.Int("version", v))
		}
		s := workflow.NewPgStore(pool)
		a.store, a.storeHealth = s, s
		return nil

	default:
		return fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ResolveDSN())
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return pool, nil
}

func (a *app) buildRedis(ctx context.Context) error {
	addr := a.cfg.Redis.ResolveAddr()
	if addr == "" {
		return errors.New("redis: address not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:          addr,
		Password:      a.cfg.Redis.Password,
		DB:            a.cfg.Redis.DB,
		DialTimeout:   a.cfg.Redis.DialTimeout,
		DialerRetries: a.cfg.Redis.DialerRetries,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return nil
}

func (a *app) buildDirectory() error {
	cfg := a.cfg.Directory
	if cfg.File == "" {
		a.logger.Warn("no directory file configured, actor lookups will fail")
		a.staticDir = directory.NewStaticDirectory()
	} else {
		d, err := directory.LoadFile(cfg.File)
		if err != nil {
			return fmt.Errorf("directory: %w", err)
		}
		a.staticDir = d
	}
	a.directory = directory.NewCachedDirectory(a.staticDir, cfg.Cache.TTL, cfg.Cache.MaxEntries, a.metrics)
	return nil
}

func (a *app) buildCapability() error {
	cfg := a.cfg.Capability
	if cfg.StaticPolicyFile == "" {
		a.policy = capability.NewDefaultPolicyEvaluator()
	} else {
		e, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return fmt.Errorf("static policy: %w", err)
		}
		a.policy = e
	}
	a.resolver = capability.NewResolver(a.policy, cfg.Cache.TTL,
		capability.WithCapacity(cfg.Cache.MaxEntries),
		capability.WithMetrics(a.metrics),
	)
	return nil
}

// buildSink assembles the configured notification sinks. Remote sinks are
// wrapped in a circuit breaker so a dead broker cannot stall the workers.
func (a *app) buildSink() (notify.Sink, error) {
	var sinks notify.Fanout
	for _, name := range a.cfg.Notify.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, notify.NewLogSink(a.logger))
		case config.SinkRedis:
			rs := a.redisSink()
			sinks = append(sinks, notify.NewBreakerSink(name, rs, a.cfg.Notify.Breaker, a.logger, a.metrics))
		default:
			return nil, fmt.Errorf("unsupported notification sink: %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func (a *app) redisSink() *notify.RedisSink {
	return notify.NewRedisSink(a.redis,
		notify.WithChannel(a.cfg.Notify.Channel),
		notify.WithRetry(a.cfg.Notify.Retry),
		notify.WithRedisLogger(a.logger),
		notify.WithRedisMetrics(a.metrics),
	)
}

func (a *app) buildIdempotency() {
	cfg := a.cfg.Idempotency
	if !cfg.Enabled {
		return
	}
	if cfg.Driver == "redis" {
		a.idempotency = idempotency.NewRedisStore(a.redis)
		return
	}
	a.idempotency = idempotency.NewMemoryStore()
}

func (a *app) buildSessions() {
	cfg := a.cfg.Session
	if cfg.Driver == "redis" {
		a.sessions = session.NewRedisStore(a.redis, cfg.KeyPrefix, clock.New())
		return
	}
	a.sessions = session.NewMemoryStore(clock.New())
}

// readiness reports the checks served on /ready.
func (a *app) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		PolicyLoaded:    a.policy.Loaded,
		DirectoryLoaded: a.staticDir.Loaded,
		WorkflowStore:   a.storeHealth,
	}
	if a.redis != nil {
		client := a.redis
		checks.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return checks
}

// reload re-reads the policy and directory files.
func (a *app) reload() error {
	return errors.Join(a.policy.Sync(), a.staticDir.Sync())
}

// shutdown drains queued notifications and releases every resource.
func (a *app) shutdown(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.logger.Error("notification drain incomplete", zap.Error(err))
		}
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
