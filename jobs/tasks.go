package jobs

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceRecompute repairs an invoice projection after a failed refresh.
	TaskInvoiceRecompute = "invoice:recompute"
	// TaskInvoiceOverdueSweep moves past-due open invoices to overdue.
	TaskInvoiceOverdueSweep = "invoice:overdue_sweep"

	recomputeMaxRetry = 10
)

// InvoiceRecomputePayload identifies the invoice to re-aggregate.
type InvoiceRecomputePayload struct {
	InvoiceID int64 `json:"invoice_id"`
}

// OverdueSweepPayload carries scheduling metadata.
type OverdueSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewInvoiceRecomputeTask constructs a recompute task. The task id is derived
// from the invoice so repeated failures for one invoice collapse into a single
// queued repair.
func NewInvoiceRecomputeTask(invoiceID int64) (*asynq.Task, error) {
	return newRecomputeTask(invoiceID, recomputeTaskID(invoiceID))
}

func newRecomputeTask(invoiceID int64, taskID string) (*asynq.Task, error) {
	if invoiceID <= 0 {
		return nil, errors.New("jobs: invoice id must be positive")
	}
	body, err := json.Marshal(InvoiceRecomputePayload{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceRecompute, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(recomputeMaxRetry),
		asynq.TaskID(taskID),
	), nil
}

// NewOverdueSweepTask constructs an overdue sweep task.
func NewOverdueSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceOverdueSweep, body, asynq.Queue(QueueDefault)), nil
}

func recomputeTaskID(invoiceID int64) string {
	return TaskInvoiceRecompute + ":" + strconv.FormatInt(invoiceID, 10)
}

// recomputeFollowUpID names the repair queued while the primary one runs.
func recomputeFollowUpID(invoiceID int64) string {
	return recomputeTaskID(invoiceID) + ":followup"
}
