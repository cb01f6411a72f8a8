package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/folkdrive/fdbilling/internal/billing"
	jobmetrics "github.com/folkdrive/fdbilling/internal/jobs"
)

// InvoiceRecomputer re-aggregates an invoice from its payment ledger.
type InvoiceRecomputer interface {
	RecomputeInvoice(ctx context.Context, invoiceID int64) (*billing.Invoice, error)
}

// InvoiceRecomputeJob repairs invoice projections left stale by a failed
// refresh after a payment event.
type InvoiceRecomputeJob struct {
	Ledger  InvoiceRecomputer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoiceRecomputeJob constructs the job handler.
func NewInvoiceRecomputeJob(ledger InvoiceRecomputer, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceRecomputeJob {
	return &InvoiceRecomputeJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle executes the recompute. Unknown invoices are not retried.
func (j *InvoiceRecomputeJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("invoice recompute: dependencies not configured")
	}
	var payload InvoiceRecomputePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.InvoiceID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskInvoiceRecompute)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.log().With(slog.Int64("invoice_id", payload.InvoiceID))
	inv, err := j.Ledger.RecomputeInvoice(ctx, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			logger.Warn("invoice vanished before recompute", slog.Any("error", err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		logger.Error("recompute invoice", slog.Any("error", err))
		return err
	}
	logger.Info("invoice projection repaired",
		slog.String("status", string(inv.Status)),
		slog.String("balance_due", inv.BalanceDue.StringFixed(2)))
	return nil
}

func (j *InvoiceRecomputeJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InvoiceRecomputeJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInvoiceRecompute))
	}
	return slog.Default().With(slog.String("job", TaskInvoiceRecompute))
}
