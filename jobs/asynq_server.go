package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/folkdrive/fdbilling/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	// Location evaluates cron specs. Defaults to UTC.
	Location *time.Location
	Handlers []TaskHandler
	Cron     []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		loc := cfg.Location
		if loc == nil {
			loc = time.UTC
		}
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: loc})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("jobs: register %s: %w", entry.Task.Type(), err)
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// taskInspector resolves task id conflicts on enqueue.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// Client submits jobs to the queue. It satisfies billing.RecomputeScheduler.
type Client struct {
	client    enqueuer
	inspector taskInspector
	logger    *slog.Logger
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt, logger *slog.Logger) *Client {
	return newClient(asynq.NewClient(redisOpts), asynq.NewInspector(redisOpts), logger)
}

func newClient(e enqueuer, inspector taskInspector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: e, inspector: inspector, logger: logger}
}

// ScheduleRecompute enqueues a projection repair for the invoice. A repair
// still waiting to run for the same invoice counts as scheduled. When the
// invoice's repair is already running, a follow-up repair is queued so the
// payment that triggered this call is included.
func (c *Client) ScheduleRecompute(ctx context.Context, invoiceID int64) error {
	if invoiceID <= 0 {
		return errors.New("jobs: invoice id must be positive")
	}
	for _, id := range []string{recomputeTaskID(invoiceID), recomputeFollowUpID(invoiceID)} {
		waiting, err := c.enqueueRecompute(ctx, invoiceID, id)
		if err != nil {
			return fmt.Errorf("jobs: enqueue recompute for invoice %d: %w", invoiceID, err)
		}
		if waiting {
			return nil
		}
	}
	return fmt.Errorf("jobs: enqueue recompute for invoice %d: repairs already running", invoiceID)
}

// enqueueRecompute reports whether a repair under id is waiting to run once it
// returns. Finished or archived tasks holding the id are removed and the
// enqueue repeated; an active one reports false.
func (c *Client) enqueueRecompute(ctx context.Context, invoiceID int64, id string) (bool, error) {
	task, err := newRecomputeTask(invoiceID, id)
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		info, err := c.client.EnqueueContext(ctx, task)
		if err == nil {
			c.logger.InfoContext(ctx, "invoice recompute queued",
				slog.Int64("invoice_id", invoiceID),
				slog.String("task_id", info.ID))
			return true, nil
		}
		if !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
			return false, err
		}
		if c.inspector == nil {
			return false, err
		}

		existing, err := c.inspector.GetTaskInfo(QueueDefault, id)
		switch {
		case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
			continue
		case err != nil:
			return false, fmt.Errorf("inspect %s: %w", id, err)
		}
		switch existing.State {
		case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
			c.logger.DebugContext(ctx, "invoice recompute already queued",
				slog.Int64("invoice_id", invoiceID),
				slog.String("task_id", id),
				slog.String("state", existing.State.String()))
			return true, nil
		case asynq.TaskStateActive:
			return false, nil
		}
		if err := c.inspector.DeleteTask(QueueDefault, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return false, fmt.Errorf("delete %s task %s: %w", existing.State, id, err)
		}
		c.logger.WarnContext(ctx, "replaced stale invoice recompute",
			slog.Int64("invoice_id", invoiceID),
			slog.String("task_id", id),
			slog.String("state", existing.State.String()),
			slog.String("last_error", existing.LastErr))
	}
	return false, fmt.Errorf("task id %s still taken", id)
}

// EnqueueOverdueSweep enqueues an immediate overdue sweep.
func (c *Client) EnqueueOverdueSweep(ctx context.Context) (*asynq.TaskInfo, error) {
	task, err := NewOverdueSweepTask(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// Close releases client resources.
func (c *Client) Close() error {
	err := c.client.Close()
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// QueueInspector reports queue state for the health endpoint.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. inspector may be nil.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Retry   int    `json:"retry"`
	Failed  int    `json:"failed"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := queueHealth{Queue: QueueDefault}
	if h.inspector != nil {
		info, err := h.inspector.GetQueueInfo(QueueDefault)
		if err != nil {
			h.logger.Warn("jobs health", slog.Any("error", err))
			httpx.WriteProblem(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if info != nil {
			body.Queue = info.Queue
			body.Pending = info.Pending
			body.Retry = info.Retry
			body.Failed = info.Failed
		}
	}
	httpx.JSON(w, http.StatusOK, body)
}
