package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"automation-hub/backend/internal/apiclient"
	"automation-hub/backend/internal/config"
	"automation-hub/backend/internal/dispatch"
	"automation-hub/backend/internal/encryption"
	"automation-hub/backend/internal/lease"
	"automation-hub/backend/internal/logging"
	"automation-hub/backend/internal/notify"
	"automation-hub/backend/internal/pipeline"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/internal/scheduling"
	"automation-hub/backend/internal/services"
)

// app holds the wired process. Every command builds one and closes it.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	pool  *pgxpool.Pool
	store repository.Repository
	redis *redis.Client

	mux         *notify.Mux
	sink        *notify.Sink
	engine      *pipeline.Engine
	dispatcher  *dispatch.Dispatcher
	sweeper     *scheduling.Sweeper
	activations *services.ActivationService
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, memory bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if memory {
		logger.Warn("using in-memory store; data is lost on exit")
		a.store = repository.NewMemoryStore()
	} else {
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		keys := encryption.NewKeyring(encryption.NewRuntimeVarResolver())
		a.store = repository.NewPostgresStore(pool, keys, cfg.Encryption.DefaultKeyRef, logger)
	}

	a.mux = notify.DefaultMux(logger, &http.Client{Timeout: 10 * time.Second})
	a.sink = notify.NewSink(a.store, a.mux,
		notify.WithLogger(logger),
		notify.WithWorkers(cfg.Notifier.Workers),
	)

	engine, err := pipeline.NewEngine(pipeline.Services{
		Configs:       a.store,
		Credentials:   a.store,
		Schedules:     a.store,
		Notifications: a.sink,
		APIs:          apiclient.NewFactory(cfg.Services, apiclient.WithCredentialSaver(a.store)),
	}, pipeline.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.engine = engine

	a.dispatcher = dispatch.New(a.store, engine,
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithSplitDelay(cfg.Dispatch.SplitDelay),
		dispatch.WithLogger(logger),
	)

	jobs := scheduling.NewJobs()
	if err := jobs.Register(scheduling.RerunJob, a.dispatcher.RerunJob()); err != nil {
		return nil, err
	}

	var locker lease.Locker = lease.NopLocker{}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		locker = lease.NewRedisLocker(a.redis, "automation-hub:")
	}
	a.sweeper = scheduling.NewSweeper(a.store, jobs,
		scheduling.WithLocker(locker),
		scheduling.WithLogger(logger),
		scheduling.WithLocation(cfg.Location()),
		scheduling.WithLease(cfg.Scheduler.Lease),
		scheduling.WithBatchSize(cfg.Scheduler.BatchSize),
	)

	a.activations = services.NewActivationService(a.store, pipeline.Flows, logger)

	ok = true
	return a, nil
}

// migrate applies the schema. It is a no-op for the in-memory store.
func (a *app) migrate(ctx context.Context) error {
	pg, isPostgres := a.store.(*repository.PostgresStore)
	if !isPostgres {
		return nil
	}
	return pg.Migrate(ctx)
}

// close drains in-flight runs and releases connections.
func (a *app) close() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.sink.Flush(ctx); err != nil {
			a.logger.Error("final notification flush", "error", err)
		}
		cancel()
	}
	if a.mux != nil {
		if err := a.mux.Close(); err != nil {
			a.logger.Error("close notification transports", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
