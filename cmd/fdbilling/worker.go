package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/folkdrive/fdbilling/internal/app"
	"github.com/folkdrive/fdbilling/internal/billing"
	"github.com/folkdrive/fdbilling/internal/billing/sequence"
	jobmetrics "github.com/folkdrive/fdbilling/internal/jobs"
	"github.com/folkdrive/fdbilling/internal/observability"
	"github.com/folkdrive/fdbilling/internal/platform/cache"
	"github.com/folkdrive/fdbilling/internal/platform/db"
	"github.com/folkdrive/fdbilling/jobs"
)

// engine bundles the long-lived dependencies shared by the commands.
type engine struct {
	pool    *pgxpool.Pool
	redis   *redis.Client
	metrics *observability.Metrics
	service *billing.Service
}

func openEngine(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*engine, error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	repo := billing.NewRepository(pool)

	var store sequence.CounterStore
	switch cfg.SequenceBackend {
	case "redis":
		store = sequence.NewRedisStore(redisClient)
	default:
		store = sequence.NewPostgresStore(pool)
	}
	numbers := sequence.NewGenerator(store, repo, sequence.Options{
		MaxAttempts: cfg.SequenceMaxAttempts,
		Location:    cfg.Location(),
		Observer:    metrics,
		Logger:      logger.With(slog.String("component", "sequence")),
	})

	opts := billing.DefaultOptions()
	opts.Logger = logger.With(slog.String("component", "billing"))
	opts.Location = cfg.Location()
	opts.Metrics = metrics
	opts.GSTPercent = cfg.GSTPercent()
	opts.CGSTRate = cfg.CGSTRate()
	opts.SGSTRate = cfg.SGSTRate()
	opts.DueDays = cfg.InvoiceDueDays

	return &engine{
		pool:    pool,
		redis:   redisClient,
		metrics: metrics,
		service: billing.NewService(repo, numbers, opts),
	}, nil
}

func (e *engine) Close(logger *slog.Logger) {
	if err := e.redis.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
	e.pool.Close()
}

func runWorker(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	e, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close(logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	e.service.SetRecomputeScheduler(client)

	jobMetrics := jobmetrics.NewMetrics(e.metrics.Registerer())
	recomputeJob := jobs.NewInvoiceRecomputeJob(e.service, logger, jobMetrics)
	sweepJob := jobs.NewOverdueSweepJob(e.service, logger, jobMetrics)

	sweepTask, err := jobs.NewOverdueSweepTask(time.Time{})
	if err != nil {
		return fmt.Errorf("build overdue sweep task: %w", err)
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoiceRecompute, Handler: recomputeJob.Handle},
			{Type: jobs.TaskInvoiceOverdueSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    e.metrics,
		JobHandler: jobs.NewHandler(inspector, logger),
		Checks: map[string]app.Pinger{
			"postgres": e.pool,
			"redis": app.PingFunc(func(ctx context.Context) error {
				return e.redis.Ping(ctx).Err()
			}),
		},
	})
	srv := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  cfg.OpsReadTimeout,
		WriteTimeout: cfg.OpsWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ops listener started", slog.String("addr", cfg.OpsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("worker started",
			slog.String("sequence_backend", cfg.SequenceBackend),
			slog.String("overdue_cron", cfg.OverdueSweepCron))
		return worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func runSweep(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	e, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close(logger)

	res, err := e.service.SweepOverdue(ctx)
	logger.Info("overdue sweep",
		slog.Int("checked", res.Checked),
		slog.Int("overdue", res.Overdue),
		slog.Int("failed", res.Failed))
	return err
}
