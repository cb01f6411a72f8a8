package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/folkdrive/fdbilling/internal/billing"
	jobmetrics "github.com/folkdrive/fdbilling/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverdueSweeper recomputes past-due open invoices.
type OverdueSweeper interface {
	SweepOverdue(ctx context.Context) (billing.SweepResult, error)
}

// OverdueSweepJob runs the daily overdue sweep.
type OverdueSweepJob struct {
	Sweeper OverdueSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
	runID   func() string
}

// NewOverdueSweepJob constructs the job handler.
func NewOverdueSweepJob(sweeper OverdueSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		runID: func() string {
			return uuid.NewString()
		},
	}
}

// Handle executes the sweep. Per-invoice failures fail the run so asynq
// retries it; invoices already moved are skipped on the next pass.
func (j *OverdueSweepJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("overdue sweep: dependencies not configured")
	}
	var payload OverdueSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskInvoiceOverdueSweep)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.log().With(slog.String("run_id", j.newRunID()))
	if !payload.ScheduledFor.IsZero() {
		logger = logger.With(slog.Time("scheduled_for", payload.ScheduledFor))
	}
	start := j.now()
	res, err := j.Sweeper.SweepOverdue(ctx)
	j.metrics().AddOverdue(res.Overdue)
	if err != nil {
		logger.Error("overdue sweep incomplete",
			slog.Int("checked", res.Checked),
			slog.Int("failed", res.Failed),
			slog.Any("error", err))
		return err
	}
	logger.Info("overdue sweep complete",
		slog.Int("checked", res.Checked),
		slog.Int("overdue", res.Overdue),
		slog.Duration("duration", j.now().Sub(start)))
	return nil
}

func (j *OverdueSweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OverdueSweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInvoiceOverdueSweep))
	}
	return slog.Default().With(slog.String("job", TaskInvoiceOverdueSweep))
}

func (j *OverdueSweepJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *OverdueSweepJob) newRunID() string {
	if j != nil && j.runID != nil {
		return j.runID()
	}
	return uuid.NewString()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *OverdueSweepJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
