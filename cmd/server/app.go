package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/dispatch-api/internal/broker"
	"github.com/phrazzld/dispatch-api/internal/browserpool"
	"github.com/phrazzld/dispatch-api/internal/config"
	"github.com/phrazzld/dispatch-api/internal/platform/gemini"
	"github.com/phrazzld/dispatch-api/internal/platform/postgres"
	"github.com/phrazzld/dispatch-api/internal/platform/redisbroker"
	"github.com/phrazzld/dispatch-api/internal/processor"
	"github.com/phrazzld/dispatch-api/internal/queue"
	"github.com/phrazzld/dispatch-api/internal/sandbox"
	"github.com/phrazzld/dispatch-api/internal/session"
	"github.com/phrazzld/dispatch-api/internal/worker"
)

const dbPingTimeout = 5 * time.Second

// application holds the wired components and owns their shutdown order.
type application struct {
	config *config.Config
	logger *slog.Logger

	db          *sql.DB
	broker      broker.Broker
	queues      *queue.Manager
	sessions    *session.Manager
	sandboxes   *sandbox.Pool
	browserPool *browserpool.Pool
	workerPools []*worker.Pool
}

// newApplication builds the full dependency graph: database and
// migrations, broker, stores, model client, resource pools, session
// and queue managers, processor driver, and the per-queue worker
// pools. Nothing starts consuming until Run.
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: log}

	db, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	app.db = db

	if err := runMigrations(db, log); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	app.broker = newBroker(cfg, log)

	jobStore := postgres.NewPostgresQueueJobStore(db)
	app.queues = queue.NewManager(app.broker, jobStore, log,
		queue.WithRetryPolicy(cfg.Queue.DefaultMaxAttempts,
			time.Duration(cfg.Queue.BackoffBaseSeconds)*time.Second))

	llmClient, err := gemini.NewClient(ctx, log, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}

	app.sandboxes, err = sandbox.NewPool(log, sandbox.Options{
		DefaultTimeout: time.Duration(cfg.Sandbox.DefaultTimeoutMs) * time.Millisecond,
		MaxTimeout:     time.Duration(cfg.Sandbox.MaxTimeoutMs) * time.Millisecond,
		MemoryLimit:    cfg.Sandbox.MemoryLimitBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sandbox pool: %w", err)
	}

	engine, err := browserpool.NewDockerEngine(log, cfg.Browser.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser engine: %w", err)
	}
	app.browserPool = browserpool.NewPool(engine, log,
		time.Duration(cfg.Browser.ActionTimeoutMs)*time.Millisecond)

	chatStore := postgres.NewPostgresChatMessageStore(db)
	generationStore := postgres.NewPostgresGenerationTaskStore(db)
	browserStore := postgres.NewPostgresBrowserTaskStore(db)
	editStore := postgres.NewPostgresEditTaskStore(db)

	app.sessions = session.NewManager(db, session.Stores{
		Sessions:   postgres.NewPostgresSessionStore(db),
		Configs:    postgres.NewPostgresSessionConfigStore(db),
		Logs:       postgres.NewPostgresSessionLogStore(db),
		Jobs:       jobStore,
		Chat:       chatStore,
		Generation: generationStore,
		Browser:    browserStore,
		Edit:       editStore,
	}, app.queues, app.browserPool, app.sandboxes, log)
	app.queues.SetSessionGate(app.sessions)

	driver := processor.NewDriver(app.queues, app.sessions, log,
		processor.NewChatAction(chatStore, llmClient, 0),
		processor.NewGenerationAction(generationStore, llmClient),
		processor.NewBrowserAction(browserStore, app.browserPool),
		processor.NewEditAction(editStore, llmClient),
	)

	limiter := worker.NewSessionLimiter()
	for _, name := range queue.QueueNames() {
		app.workerPools = append(app.workerPools, worker.NewPool(worker.Config{
			QueueName:   name,
			Concurrency: cfg.Queue.WorkerCount,
		}, app.broker, app.queues, driver, app.sessions, limiter, log))
	}

	log.Info("application initialized")
	return app, nil
}

// Run recovers interrupted jobs, starts the worker pools and sweep
// loops, and blocks until the context is cancelled.
func (app *application) Run(ctx context.Context) error {
	recovered, err := app.queues.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		app.logger.Info("interrupted jobs recovered", "count", recovered)
	}

	for _, pool := range app.workerPools {
		pool.Start()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.sweepSessions(ctx)
	}()
	go func() {
		defer wg.Done()
		app.sweepBrowserContexts(ctx)
	}()

	app.logger.Info("dispatch server running")
	<-ctx.Done()
	app.logger.Info("shutdown signal received")

	for _, pool := range app.workerPools {
		pool.Stop()
	}
	wg.Wait()
	return nil
}

// sweepSessions periodically expires and cleans up sessions past their
// expiry.
func (app *application) sweepSessions(ctx context.Context) {
	interval := time.Duration(app.config.Session.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.sessions.SweepExpired(ctx); err != nil {
				app.logger.Warn("session sweep failed", "error", err)
			}
		}
	}
}

// sweepBrowserContexts periodically closes browser contexts idle past
// the configured limit.
func (app *application) sweepBrowserContexts(ctx context.Context) {
	interval := time.Duration(app.config.Browser.IdleSweepIntervalSec) * time.Second
	maxIdle := time.Duration(app.config.Browser.MaxIdleSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := app.browserPool.CleanupInactiveContexts(ctx, maxIdle); n > 0 {
				app.logger.Info("idle browser contexts closed", "count", n)
			}
		}
	}
}

// cleanup releases resources in reverse dependency order. Workers are
// already stopped by the time Run returns.
func (app *application) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if app.browserPool != nil {
		if err := app.browserPool.Close(ctx); err != nil {
			app.logger.Warn("failed to close browser pool", "error", err)
		}
	}
	if app.sandboxes != nil {
		if err := app.sandboxes.Close(); err != nil {
			app.logger.Warn("failed to close sandbox pool", "error", err)
		}
	}
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Warn("failed to close broker", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Warn("failed to close database", "error", err)
		}
	}
	app.logger.Info("shutdown complete")
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

// newBroker picks the Redis-backed broker when an address is
// configured, the in-process broker otherwise.
func newBroker(cfg *config.Config, log *slog.Logger) broker.Broker {
	if cfg.Redis.Addr == "" {
		log.Info("using in-process broker")
		return broker.NewMemoryBroker(queue.QueueNames()...)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info("using redis broker", "addr", cfg.Redis.Addr)
	return redisbroker.New(rdb, queue.QueueNames()...)
}
