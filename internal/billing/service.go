package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/folkdrive/fdbilling/internal/billing/calc"
	"github.com/folkdrive/fdbilling/internal/billing/sequence"
	"github.com/folkdrive/fdbilling/internal/billing/tax"
)

// NumberAllocator issues document numbers. *sequence.Generator satisfies it.
type NumberAllocator interface {
	Assign(ctx context.Context, kind sequence.Kind, persist func(context.Context, string) error) (string, error)
	Observe(ctx context.Context, number string) error
}

// RecomputeScheduler defers an invoice recompute to a background worker.
type RecomputeScheduler interface {
	ScheduleRecompute(ctx context.Context, invoiceID int64) error
}

// Metrics receives ledger telemetry.
type Metrics interface {
	ProjectionFailed(operation string)
}

// Options configures a Service. Start from DefaultOptions.
type Options struct {
	Logger           *slog.Logger
	Location         *time.Location
	Now              func() time.Time
	Scheduler        RecomputeScheduler
	Metrics          Metrics
	GSTPercent       decimal.Decimal
	CGSTRate         decimal.Decimal
	SGSTRate         decimal.Decimal
	DueDays          int
	SweepConcurrency int
}

// DefaultOptions returns the stock tax rates and payment term.
func DefaultOptions() Options {
	return Options{
		GSTPercent:       decimal.NewFromInt(18),
		CGSTRate:         decimal.NewFromInt(9),
		SGSTRate:         decimal.NewFromInt(9),
		DueDays:          30,
		SweepConcurrency: 4,
	}
}

// Service orchestrates customers, work orders, invoices and the payment ledger.
type Service struct {
	repo      Repository
	numbers   NumberAllocator
	scheduler RecomputeScheduler
	metrics   Metrics
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time
	validate  *validator.Validate

	gstPercent       decimal.Decimal
	cgstRate         decimal.Decimal
	sgstRate         decimal.Decimal
	dueDays          int
	sweepConcurrency int
}

// NewService constructs a Service.
func NewService(repo Repository, numbers NumberAllocator, opts Options) *Service {
	s := &Service{
		repo:             repo,
		numbers:          numbers,
		scheduler:        opts.Scheduler,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		loc:              opts.Location,
		now:              opts.Now,
		validate:         newValidator(),
		gstPercent:       opts.GSTPercent,
		cgstRate:         opts.CGSTRate,
		sgstRate:         opts.SGSTRate,
		dueDays:          opts.DueDays,
		sweepConcurrency: opts.SweepConcurrency,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sweepConcurrency < 1 {
		s.sweepConcurrency = 1
	}
	return s
}

// SetRecomputeScheduler injects the background recompute hook.
func (s *Service) SetRecomputeScheduler(scheduler RecomputeScheduler) {
	s.scheduler = scheduler
}

// today returns the current business date at midnight UTC, matching DATE columns.
func (s *Service) today() time.Time {
	return dateOnly(s.now().In(s.loc))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreateCustomer registers a customer. GST numbers are upper-cased before validation.
func (s *Service) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	in.GSTNumber = strings.ToUpper(strings.TrimSpace(in.GSTNumber))
	in.MobileNumber = strings.TrimSpace(in.MobileNumber)
	in.Email = strings.TrimSpace(in.Email)

	fields := make(map[string]string)
	if err := checkStruct(s.validate, in, fields); err != nil {
		return nil, err
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}

	c := &Customer{
		CompanyName:    in.CompanyName,
		ContactName:    in.ContactName,
		MobileNumber:   in.MobileNumber,
		Email:          in.Email,
		GSTNumber:      in.GSTNumber,
		Address:        in.Address,
		BranchLocation: in.BranchLocation,
	}
	if err := s.repo.CreateCustomer(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateGST) {
			return nil, causeError("gst_number", "is already registered", err)
		}
		return nil, fmt.Errorf("create customer: %w", err)
	}
	s.logger.InfoContext(ctx, "customer created", slog.Int64("customer_id", c.ID))
	return c, nil
}

// UpdateCustomerContact changes contact details. Identity and GST registration are immutable.
func (s *Service) UpdateCustomerContact(ctx context.Context, id int64, upd ContactUpdate) (*Customer, error) {
	if upd.MobileNumber != nil {
		v := strings.TrimSpace(*upd.MobileNumber)
		upd.MobileNumber = &v
	}
	fields := make(map[string]string)
	if err := checkStruct(s.validate, upd, fields); err != nil {
		return nil, err
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}

	var out *Customer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		c, err := tx.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		if upd.ContactName != nil {
			c.ContactName = *upd.ContactName
		}
		if upd.MobileNumber != nil {
			c.MobileNumber = *upd.MobileNumber
		}
		if upd.Email != nil {
			c.Email = *upd.Email
		}
		if upd.Address != nil {
			c.Address = *upd.Address
		}
		if upd.BranchLocation != nil {
			c.BranchLocation = *upd.BranchLocation
		}
		if err := tx.UpdateCustomerContact(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateWorkOrder validates input, derives the financial breakdown and assigns a number.
func (s *Service) CreateWorkOrder(ctx context.Context, in WorkOrderInput) (*WorkOrder, error) {
	fields := make(map[string]string)
	if err := checkStruct(s.validate, in, fields); err != nil {
		return nil, err
	}
	checkAmount(fields, "base_amount", in.BaseAmount)
	checkPercent(fields, "discount_percentage", in.DiscountPercentage)
	gst := s.gstPercent
	if in.GSTPercentage != nil {
		gst = *in.GSTPercentage
	}
	checkPercent(fields, "gst_percentage", gst)
	status := in.Status
	if status == "" {
		status = WorkOrderDraft
	}
	switch {
	case !status.Valid():
		fields["status"] = "is not a work order status"
	case status == WorkOrderCancelled:
		fields["status"] = "a new work order cannot be cancelled"
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetCustomer(ctx, in.CustomerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, causeError("customer_id", "does not exist", err)
		}
		return nil, err
	}

	wo := &WorkOrder{
		CustomerID:         in.CustomerID,
		ProjectTitle:       in.ProjectTitle,
		ProjectDescription: in.ProjectDescription,
		BaseAmount:         in.BaseAmount,
		DiscountPercentage: in.DiscountPercentage,
		GSTPercentage:      gst,
		HSNCode:            orDefault(in.HSNCode, DefaultHSNCode),
		SACCode:            orDefault(in.SACCode, DefaultSACCode),
		PlaceOfSupply:      orDefault(strings.TrimSpace(in.PlaceOfSupply), DefaultPlaceOfSupply),
		IsService:          in.IsService == nil || *in.IsService,
		Status:             status,
		TermsAndConditions: in.TermsAndConditions,
		CreatedBy:          in.CreatedBy,
	}
	if err := s.applyFinancials(ctx, wo); err != nil {
		return nil, err
	}

	number, err := s.numbers.Assign(ctx, sequence.KindWorkOrder, func(ctx context.Context, number string) error {
		wo.Number = number
		return s.repo.CreateWorkOrder(ctx, wo)
	})
	if err != nil {
		return nil, fmt.Errorf("create work order: %w", err)
	}
	s.logger.InfoContext(ctx, "work order created",
		slog.Int64("work_order_id", wo.ID),
		slog.String("number", number),
		slog.String("total", wo.TotalCost.StringFixed(2)))
	return wo, nil
}

// UpdateWorkOrder applies edits and recomputes the financial breakdown. The
// number never changes.
func (s *Service) UpdateWorkOrder(ctx context.Context, id int64, upd WorkOrderUpdate) (*WorkOrder, error) {
	fields := make(map[string]string)
	if err := checkStruct(s.validate, upd, fields); err != nil {
		return nil, err
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}

	var out *WorkOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		wo, err := tx.GetWorkOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if wo.Status == WorkOrderCancelled {
			return fmt.Errorf("%w: work order %s is cancelled", ErrInvalidStatus, wo.Number)
		}

		if upd.ProjectTitle != nil {
			wo.ProjectTitle = *upd.ProjectTitle
		}
		if upd.ProjectDescription != nil {
			wo.ProjectDescription = *upd.ProjectDescription
		}
		if upd.BaseAmount != nil {
			wo.BaseAmount = *upd.BaseAmount
		}
		if upd.DiscountPercentage != nil {
			wo.DiscountPercentage = *upd.DiscountPercentage
		}
		if upd.GSTPercentage != nil {
			wo.GSTPercentage = *upd.GSTPercentage
		}
		if upd.HSNCode != nil {
			wo.HSNCode = *upd.HSNCode
		}
		if upd.SACCode != nil {
			wo.SACCode = *upd.SACCode
		}
		if upd.PlaceOfSupply != nil {
			wo.PlaceOfSupply = orDefault(strings.TrimSpace(*upd.PlaceOfSupply), DefaultPlaceOfSupply)
		}
		if upd.IsService != nil {
			wo.IsService = *upd.IsService
		}
		if upd.TermsAndConditions != nil {
			wo.TermsAndConditions = *upd.TermsAndConditions
		}

		checkAmount(fields, "base_amount", wo.BaseAmount)
		checkPercent(fields, "discount_percentage", wo.DiscountPercentage)
		checkPercent(fields, "gst_percentage", wo.GSTPercentage)
		if upd.Status != nil {
			if !upd.Status.Valid() {
				fields["status"] = "is not a work order status"
			} else if *upd.Status == WorkOrderCancelled {
				invoiced, err := tx.InvoiceExistsForWorkOrder(ctx, wo.ID)
				if err != nil {
					return err
				}
				if invoiced {
					return fmt.Errorf("%w: work order %s has an invoice", ErrInvalidStatus, wo.Number)
				}
			}
			wo.Status = *upd.Status
		}
		if err := validationResult(fields); err != nil {
			return err
		}
		if err := s.applyFinancials(ctx, wo); err != nil {
			return err
		}
		if err := tx.UpdateWorkOrder(ctx, wo); err != nil {
			return err
		}
		out = wo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyFinancials recomputes the derived monetary fields of wo.
func (s *Service) applyFinancials(ctx context.Context, wo *WorkOrder) error {
	res := calc.Compute(wo.BaseAmount, wo.DiscountPercentage, wo.GSTPercentage)
	if res.Err != nil {
		s.logger.WarnContext(ctx, "financial calculation fell back to base amount",
			slog.String("work_order", wo.Number),
			slog.Any("error", res.Err))
	}
	wo.DiscountAmount = res.DiscountAmount
	wo.GSTAmount = res.GSTAmount
	wo.TotalCost = res.Total
	if !wo.TotalCost.IsPositive() {
		return fieldError("discount_percentage", "leaves nothing to bill")
	}
	return nil
}

// ConvertToInvoice creates the invoice for a confirmed or completed work order,
// together with an optional completed initial payment, in one transaction.
func (s *Service) ConvertToInvoice(ctx context.Context, in ConvertInput) (*Invoice, error) {
	wo, err := s.repo.GetWorkOrder(ctx, in.WorkOrderID)
	if err != nil {
		return nil, err
	}
	if !wo.Status.Invoiceable() {
		return nil, fmt.Errorf("%w: work order %s is %s", ErrInvalidConversionState, wo.Number, wo.Status)
	}
	invoiced, err := s.repo.InvoiceExistsForWorkOrder(ctx, wo.ID)
	if err != nil {
		return nil, err
	}
	if invoiced {
		return nil, fmt.Errorf("%w: work order %s is already invoiced", ErrInvalidConversionState, wo.Number)
	}

	today := s.today()
	invoiceDate := today
	if !in.InvoiceDate.IsZero() {
		invoiceDate = dateOnly(in.InvoiceDate)
	}
	dueDate := invoiceDate.AddDate(0, 0, s.dueDays)
	if !in.DueDate.IsZero() {
		dueDate = dateOnly(in.DueDate)
	}
	cgst, sgst := s.cgstRate, s.sgstRate
	if in.CGSTRate != nil {
		cgst = *in.CGSTRate
	}
	if in.SGSTRate != nil {
		sgst = *in.SGSTRate
	}
	place := orDefault(strings.TrimSpace(in.PlaceOfSupply), orDefault(wo.PlaceOfSupply, DefaultPlaceOfSupply))

	fields := make(map[string]string)
	if dueDate.Before(invoiceDate) {
		fields["due_date"] = "must not be before the invoice date"
	}
	checkPercent(fields, "cgst_rate", cgst)
	checkPercent(fields, "sgst_rate", sgst)

	fin := calc.Compute(wo.BaseAmount, wo.DiscountPercentage, wo.GSTPercentage)
	if fin.Err != nil {
		s.logger.WarnContext(ctx, "financial calculation fell back to base amount",
			slog.String("work_order", wo.Number),
			slog.Any("error", fin.Err))
	}
	if _, set := fields["cgst_rate"]; !set && tax.IsIntrastate(place) &&
		fin.TaxableAmount.IsPositive() && cgst.Add(sgst).IsZero() {
		fields["cgst_rate"] = "cgst and sgst rates must not both be zero for an intra-state supply"
	}

	var initial *Payment
	if ip := in.InitialPayment; ip != nil && ip.Amount.IsPositive() {
		checkAmount(fields, "initial_payment.amount", ip.Amount)
		if ip.Amount.GreaterThan(fin.Total) {
			fields["initial_payment.amount"] = "exceeds invoice total"
		}
		if !ip.Method.Valid() {
			fields["initial_payment.method"] = "is not a supported payment method"
		}
		paidOn := invoiceDate
		if !ip.PaymentDate.IsZero() {
			paidOn = dateOnly(ip.PaymentDate)
		}
		initial = &Payment{
			PaymentDate:     paidOn,
			Amount:          ip.Amount,
			Method:          ip.Method,
			ReferenceNumber: ip.ReferenceNumber,
			Notes:           ip.Notes,
			Status:          PaymentCompleted,
		}
	} else if ip != nil && ip.Amount.IsNegative() {
		fields["initial_payment.amount"] = "must not be negative"
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}

	split := tax.Split(fin.TaxableAmount, cgst, sgst, place)
	if split.Err != nil {
		s.logger.WarnContext(ctx, "tax split zeroed",
			slog.String("work_order", wo.Number),
			slog.Any("error", split.Err))
	}

	terms := in.TermsAndConditions
	if terms == "" {
		terms = wo.TermsAndConditions
	}
	base := Invoice{
		WorkOrderID:                  wo.ID,
		CustomerID:                   wo.CustomerID,
		InvoiceDate:                  invoiceDate,
		DueDate:                      dueDate,
		BaseAmount:                   wo.BaseAmount,
		DiscountAmount:               fin.DiscountAmount,
		GSTPercentage:                wo.GSTPercentage,
		GSTAmount:                    fin.GSTAmount,
		Subtotal:                     fin.TaxableAmount,
		TotalAmount:                  fin.Total,
		HSNCode:                      orDefault(wo.HSNCode, DefaultHSNCode),
		SACCode:                      orDefault(wo.SACCode, DefaultSACCode),
		PlaceOfSupply:                place,
		IsService:                    wo.IsService,
		CGSTRate:                     split.CGSTRate,
		SGSTRate:                     split.SGSTRate,
		IGSTRate:                     split.IGSTRate,
		CGSTAmount:                   split.CGSTAmount,
		SGSTAmount:                   split.SGSTAmount,
		IGSTAmount:                   split.IGSTAmount,
		AmountPaid:                   decimal.Zero,
		BalanceDue:                   fin.Total,
		PaymentCollectedAtConversion: initial != nil,
		Status:                       InvoiceDraft,
		TermsAndConditions:           terms,
	}

	var out Invoice
	number, err := s.numbers.Assign(ctx, sequence.KindInvoice, func(ctx context.Context, number string) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
			inv := base
			inv.Number = number
			if err := tx.CreateInvoice(ctx, &inv); err != nil {
				return err
			}
			var payments []Payment
			if initial != nil {
				p := *initial
				p.InvoiceID = inv.ID
				if err := tx.CreatePayment(ctx, &p); err != nil {
					return err
				}
				payments = append(payments, p)
			}
			inv.Status = InvoiceSent
			inv = Aggregate(inv, payments, today)
			if err := tx.UpdateInvoiceProjection(ctx, &inv); err != nil {
				return err
			}
			out = inv
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("convert work order %s: %w", wo.Number, err)
	}
	s.logger.InfoContext(ctx, "invoice created",
		slog.Int64("invoice_id", out.ID),
		slog.String("number", number),
		slog.String("work_order", wo.Number),
		slog.String("status", string(out.Status)))
	return &out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
