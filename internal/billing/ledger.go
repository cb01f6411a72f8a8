package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const ledgerTxAttempts = 3

// Aggregate re-derives an invoice's paid amount, balance and status from its
// full payment set. Only completed payments count. Cancelled invoices keep
// their status.
func Aggregate(inv Invoice, payments []Payment, today time.Time) Invoice {
	paid := decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentCompleted {
			paid = paid.Add(p.Amount)
		}
	}
	balance := inv.TotalAmount.Sub(paid)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	inv.AmountPaid = paid
	inv.BalanceDue = balance

	if inv.Status == InvoiceCancelled {
		return inv
	}
	switch {
	case balance.IsZero() && inv.TotalAmount.IsPositive():
		inv.Status = InvoicePaid
	case paid.IsPositive() && balance.IsPositive():
		inv.Status = InvoicePartiallyPaid
	case balance.IsPositive() && dateOnly(inv.DueDate).Before(dateOnly(today)):
		inv.Status = InvoiceOverdue
	case inv.Status == InvoicePaid || inv.Status == InvoicePartiallyPaid || inv.Status == InvoiceOverdue:
		// A derived status whose trigger no longer holds (refund, due date moved).
		inv.Status = InvoiceSent
	}
	return inv
}

func projectionChanged(before, after Invoice) bool {
	return !before.AmountPaid.Equal(after.AmountPaid) ||
		!before.BalanceDue.Equal(after.BalanceDue) ||
		before.Status != after.Status
}

// RecordPayment appends a payment to the ledger and then refreshes the invoice
// projection in a separate step. If the refresh fails the payment stays
// recorded, a recompute is scheduled and a *ProjectionError is returned
// together with the payment.
func (s *Service) RecordPayment(ctx context.Context, invoiceID int64, in PaymentInput) (*Payment, error) {
	fields := make(map[string]string)
	if err := checkStruct(s.validate, in, fields); err != nil {
		return nil, err
	}
	checkAmount(fields, "amount", in.Amount)
	if !in.Method.Valid() {
		fields["method"] = "is not a supported payment method"
	}
	status := in.Status
	if status == "" {
		status = PaymentCompleted
	}
	if !status.Valid() || status == PaymentRefunded {
		fields["status"] = "must be pending, completed or failed"
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}

	today := s.today()
	p := &Payment{
		InvoiceID:       invoiceID,
		PaymentDate:     today,
		Amount:          in.Amount,
		Method:          in.Method,
		ReferenceNumber: in.ReferenceNumber,
		Notes:           in.Notes,
		Status:          status,
	}
	if !in.PaymentDate.IsZero() {
		p.PaymentDate = dateOnly(in.PaymentDate)
	}

	err := s.ledgerTx(ctx, func(ctx context.Context, tx Repository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return fmt.Errorf("%w: invoice %s is cancelled", ErrInvalidStatus, inv.Number)
		}
		if err := tx.TouchInvoice(ctx, inv.ID); err != nil {
			return err
		}
		if status == PaymentCompleted {
			if err := s.checkBalance(ctx, tx, inv, p.Amount, today); err != nil {
				return err
			}
		}
		return tx.CreatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "payment recorded",
		slog.Int64("payment_id", p.ID),
		slog.Int64("invoice_id", invoiceID),
		slog.String("amount", p.Amount.StringFixed(2)),
		slog.String("status", string(p.Status)))

	if p.Status != PaymentCompleted {
		return p, nil
	}
	if err := s.project(ctx, invoiceID, p.ID, "record_payment"); err != nil {
		return p, err
	}
	return p, nil
}

// SetPaymentStatus moves a pending payment to completed or failed, or a
// completed one to refunded, and refreshes the invoice projection when the change
// affects it.
func (s *Service) SetPaymentStatus(ctx context.Context, paymentID int64, status PaymentStatus) (*Payment, error) {
	if !status.Valid() {
		return nil, fieldError("status", "is not a payment status")
	}
	today := s.today()
	var (
		p      *Payment
		before PaymentStatus
	)
	err := s.ledgerTx(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		p, err = tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		before = p.Status
		if !before.CanTransition(status) {
			return fmt.Errorf("%w: payment %d cannot move from %s to %s", ErrInvalidStatus, p.ID, before, status)
		}
		inv, err := tx.GetInvoiceForUpdate(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		if err := tx.TouchInvoice(ctx, inv.ID); err != nil {
			return err
		}
		if status == PaymentCompleted {
			if inv.Status == InvoiceCancelled {
				return fmt.Errorf("%w: invoice %s is cancelled", ErrInvalidStatus, inv.Number)
			}
			if err := s.checkBalance(ctx, tx, inv, p.Amount, today); err != nil {
				return err
			}
		}
		if err := tx.UpdatePaymentStatus(ctx, p.ID, status); err != nil {
			return err
		}
		p.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "payment status changed",
		slog.Int64("payment_id", p.ID),
		slog.String("from", string(before)),
		slog.String("to", string(status)))

	if before != PaymentCompleted && status != PaymentCompleted {
		return p, nil
	}
	if err := s.project(ctx, p.InvoiceID, p.ID, "set_payment_status"); err != nil {
		return p, err
	}
	return p, nil
}

// ledgerTx runs fn in a transaction, retrying when another ledger
// transaction on the same invoice committed first.
func (s *Service) ledgerTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	var err error
	for attempt := 1; attempt <= ledgerTxAttempts; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentUpdate) {
			return err
		}
		s.logger.DebugContext(ctx, "ledger transaction conflict, retrying",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
	return err
}

func (s *Service) checkBalance(ctx context.Context, tx Repository, inv *Invoice, amount decimal.Decimal, today time.Time) error {
	payments, err := tx.ListPayments(ctx, inv.ID)
	if err != nil {
		return err
	}
	current := Aggregate(*inv, payments, today)
	if amount.GreaterThan(current.BalanceDue) {
		return causeError("amount", "exceeds balance due of "+current.BalanceDue.StringFixed(2), ErrOverpayment)
	}
	return nil
}

// project refreshes the invoice after a ledger change. Failures are reported
// as *ProjectionError and never undo the ledger change.
func (s *Service) project(ctx context.Context, invoiceID, paymentID int64, operation string) error {
	_, err := s.RecomputeInvoice(ctx, invoiceID)
	if err == nil {
		return nil
	}
	perr := &ProjectionError{
		InvoiceID: invoiceID,
		PaymentID: paymentID,
		Err:       err,
		Retryable: !errors.Is(err, ErrNotFound),
	}
	if s.metrics != nil {
		s.metrics.ProjectionFailed(operation)
	}
	if s.scheduler != nil && perr.Retryable {
		if serr := s.scheduler.ScheduleRecompute(ctx, invoiceID); serr != nil {
			s.logger.ErrorContext(ctx, "schedule invoice recompute",
				slog.Int64("invoice_id", invoiceID),
				slog.Any("error", serr))
		} else {
			perr.Scheduled = true
		}
	}
	s.logger.ErrorContext(ctx, "invoice projection failed",
		slog.String("operation", operation),
		slog.Int64("invoice_id", invoiceID),
		slog.Int64("payment_id", paymentID),
		slog.Bool("scheduled", perr.Scheduled),
		slog.Any("error", err))
	return perr
}

// RecomputeInvoice re-aggregates the invoice from its ledger under a row lock.
// It is idempotent and safe to retry.
func (s *Service) RecomputeInvoice(ctx context.Context, invoiceID int64) (*Invoice, error) {
	today := s.today()
	var out Invoice
	err := s.ledgerTx(ctx, func(ctx context.Context, tx Repository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		payments, err := tx.ListPayments(ctx, invoiceID)
		if err != nil {
			return err
		}
		updated := Aggregate(*inv, payments, today)
		if projectionChanged(*inv, updated) {
			if err := tx.UpdateInvoiceProjection(ctx, &updated); err != nil {
				return err
			}
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recompute invoice %d: %w", invoiceID, err)
	}
	return &out, nil
}

// SweepOverdue recomputes open invoices past their due date so their status
// moves to overdue without waiting for a payment event.
func (s *Service) SweepOverdue(ctx context.Context) (SweepResult, error) {
	ids, err := s.repo.ListOverdueCandidates(ctx, s.today())
	if err != nil {
		return SweepResult{}, fmt.Errorf("list overdue candidates: %w", err)
	}

	res := SweepResult{Checked: len(ids)}
	var (
		mu       sync.Mutex
		failures []error
		g        errgroup.Group
	)
	g.SetLimit(s.sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			inv, err := s.RecomputeInvoice(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				failures = append(failures, err)
				return nil
			}
			if inv.Status == InvoiceOverdue {
				res.Overdue++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "overdue sweep finished",
		slog.Int("checked", res.Checked),
		slog.Int("overdue", res.Overdue),
		slog.Int("failed", res.Failed))
	return res, errors.Join(failures...)
}

// CancelInvoice marks an invoice cancelled. Paid invoices cannot be cancelled.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID int64) (*Invoice, error) {
	var out *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		switch inv.Status {
		case InvoiceCancelled:
			out = inv
			return nil
		case InvoicePaid:
			return fmt.Errorf("%w: invoice %s is paid", ErrInvalidStatus, inv.Number)
		}
		inv.Status = InvoiceCancelled
		if err := tx.UpdateInvoiceProjection(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "invoice cancelled", slog.Int64("invoice_id", invoiceID))
	return out, nil
}
