package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/folkdrive/fdbilling/internal/billing/sequence"
	"github.com/folkdrive/fdbilling/internal/billing/tax"
)

// LegacyCustomer is a customer carried over from the previous system. Its GST
// number is only checked for uniqueness and length.
type LegacyCustomer struct {
	CompanyName    string
	ContactName    string
	MobileNumber   string
	Email          string
	GSTNumber      string
	Address        string
	BranchLocation string
}

// LegacyWorkOrder is a work order with an already issued number and stored amounts.
type LegacyWorkOrder struct {
	Number             string
	CustomerID         int64
	ProjectTitle       string
	ProjectDescription string
	BaseAmount         decimal.Decimal
	DiscountPercentage decimal.Decimal
	DiscountAmount     decimal.Decimal
	GSTPercentage      decimal.Decimal
	GSTAmount          decimal.Decimal
	TotalCost          decimal.Decimal
	Status             WorkOrderStatus
	CreatedBy          string
}

// LegacyInvoice is an invoice with an already issued number. Monetary values
// are copied from its work order.
type LegacyInvoice struct {
	Number        string
	WorkOrderID   int64
	InvoiceDate   time.Time
	DueDate       time.Time
	PlaceOfSupply string
	Status        InvoiceStatus
}

// LegacyPayment is a completed payment against an imported invoice.
type LegacyPayment struct {
	InvoiceID       int64
	Amount          decimal.Decimal
	PaymentDate     time.Time
	Method          PaymentMethod
	ReferenceNumber string
	Notes           string
}

// ImportCustomer stores a legacy customer as migrated.
func (s *Service) ImportCustomer(ctx context.Context, in LegacyCustomer) (*Customer, error) {
	gst := strings.ToUpper(strings.TrimSpace(in.GSTNumber))
	fields := make(map[string]string)
	switch {
	case gst == "":
		fields["gst_number"] = "is required"
	case len(gst) > 15:
		fields["gst_number"] = "must be at most 15 characters"
	}
	if strings.TrimSpace(in.CompanyName) == "" {
		fields["company_name"] = "is required"
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}
	c := &Customer{
		CompanyName:    in.CompanyName,
		ContactName:    in.ContactName,
		MobileNumber:   in.MobileNumber,
		Email:          in.Email,
		GSTNumber:      gst,
		Address:        in.Address,
		BranchLocation: in.BranchLocation,
		IsMigrated:     true,
	}
	if err := s.repo.CreateCustomer(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateGST) {
			return nil, causeError("gst_number", "is already registered", err)
		}
		return nil, fmt.Errorf("import customer: %w", err)
	}
	return c, nil
}

// ImportWorkOrder stores a legacy work order with its explicit number and
// amounts. The counter for the number's period is raised past it.
func (s *Service) ImportWorkOrder(ctx context.Context, in LegacyWorkOrder) (*WorkOrder, error) {
	fields := make(map[string]string)
	if strings.TrimSpace(in.Number) == "" {
		fields["number"] = "is required"
	}
	if in.CustomerID <= 0 {
		fields["customer_id"] = "is required"
	}
	status := in.Status
	if status == "" {
		status = WorkOrderCompleted
	}
	if !status.Valid() {
		fields["status"] = "is not a work order status"
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
		Number:             strings.TrimSpace(in.Number),
		CustomerID:         in.CustomerID,
		ProjectTitle:       in.ProjectTitle,
		ProjectDescription: in.ProjectDescription,
		BaseAmount:         in.BaseAmount,
		DiscountPercentage: in.DiscountPercentage,
		DiscountAmount:     in.DiscountAmount,
		GSTPercentage:      in.GSTPercentage,
		GSTAmount:          in.GSTAmount,
		TotalCost:          in.TotalCost,
		HSNCode:            DefaultHSNCode,
		SACCode:            DefaultSACCode,
		PlaceOfSupply:      DefaultPlaceOfSupply,
		IsService:          true,
		Status:             status,
		CreatedBy:          in.CreatedBy,
		IsMigrated:         true,
	}
	if err := s.repo.CreateWorkOrder(ctx, wo); err != nil {
		if errors.Is(err, sequence.ErrDuplicateNumber) {
			return nil, causeError("number", "is already in use", err)
		}
		return nil, fmt.Errorf("import work order: %w", err)
	}
	s.observeNumber(ctx, wo.Number)
	return wo, nil
}

// ImportInvoice stores a legacy invoice for an imported work order using the
// work order's stored amounts. Aggregates start unpaid; ImportPayment brings
// them up to date.
func (s *Service) ImportInvoice(ctx context.Context, in LegacyInvoice) (*Invoice, error) {
	fields := make(map[string]string)
	if strings.TrimSpace(in.Number) == "" {
		fields["number"] = "is required"
	}
	if in.InvoiceDate.IsZero() {
		fields["invoice_date"] = "is required"
	}
	status := in.Status
	if status == "" {
		status = InvoiceSent
	}
	if !status.Valid() {
		fields["status"] = "is not an invoice status"
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}

	wo, err := s.repo.GetWorkOrder(ctx, in.WorkOrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, causeError("work_order_id", "does not exist", err)
		}
		return nil, err
	}
	invoiceDate := dateOnly(in.InvoiceDate)
	dueDate := invoiceDate.AddDate(0, 0, s.dueDays)
	if !in.DueDate.IsZero() {
		dueDate = dateOnly(in.DueDate)
	}
	place := orDefault(strings.TrimSpace(in.PlaceOfSupply), orDefault(wo.PlaceOfSupply, DefaultPlaceOfSupply))
	taxable := wo.BaseAmount.Sub(wo.DiscountAmount)
	split := tax.Split(taxable, s.cgstRate, s.sgstRate, place)

	inv := &Invoice{
		Number:             strings.TrimSpace(in.Number),
		WorkOrderID:        wo.ID,
		CustomerID:         wo.CustomerID,
		InvoiceDate:        invoiceDate,
		DueDate:            dueDate,
		BaseAmount:         wo.BaseAmount,
		DiscountAmount:     wo.DiscountAmount,
		GSTPercentage:      wo.GSTPercentage,
		GSTAmount:          wo.GSTAmount,
		Subtotal:           taxable,
		TotalAmount:        wo.TotalCost,
		HSNCode:            orDefault(wo.HSNCode, DefaultHSNCode),
		SACCode:            orDefault(wo.SACCode, DefaultSACCode),
		PlaceOfSupply:      place,
		IsService:          wo.IsService,
		CGSTRate:           split.CGSTRate,
		SGSTRate:           split.SGSTRate,
		IGSTRate:           split.IGSTRate,
		CGSTAmount:         split.CGSTAmount,
		SGSTAmount:         split.SGSTAmount,
		IGSTAmount:         split.IGSTAmount,
		AmountPaid:         decimal.Zero,
		BalanceDue:         wo.TotalCost,
		Status:             status,
		TermsAndConditions: wo.TermsAndConditions,
		IsMigrated:         true,
	}
	if err := s.repo.CreateInvoice(ctx, inv); err != nil {
		switch {
		case errors.Is(err, sequence.ErrDuplicateNumber):
			return nil, causeError("number", "is already in use", err)
		case errors.Is(err, ErrInvalidConversionState):
			return nil, causeError("work_order_id", "is already invoiced", err)
		}
		return nil, fmt.Errorf("import invoice: %w", err)
	}
	s.observeNumber(ctx, inv.Number)
	return inv, nil
}

// ImportPayment appends a migrated completed payment and refreshes the
// invoice. Balance checks are skipped: legacy ledgers may be overpaid.
func (s *Service) ImportPayment(ctx context.Context, in LegacyPayment) (*Payment, error) {
	fields := make(map[string]string)
	checkAmount(fields, "amount", in.Amount)
	method := in.Method
	if method == "" {
		method = MethodBankTransfer
	}
	if !method.Valid() {
		fields["method"] = "is not a supported payment method"
	}
	if err := validationResult(fields); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetInvoice(ctx, in.InvoiceID); err != nil {
		return nil, err
	}
	p := &Payment{
		InvoiceID:       in.InvoiceID,
		PaymentDate:     s.today(),
		Amount:          in.Amount,
		Method:          method,
		ReferenceNumber: in.ReferenceNumber,
		Notes:           in.Notes,
		Status:          PaymentCompleted,
		IsMigrated:      true,
	}
	if !in.PaymentDate.IsZero() {
		p.PaymentDate = dateOnly(in.PaymentDate)
	}
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("import payment: %w", err)
	}
	if err := s.project(ctx, p.InvoiceID, p.ID, "import_payment"); err != nil {
		return p, err
	}
	return p, nil
}

// observeNumber keeps the counters ahead of imported numbers. Numbers in a
// foreign format cannot collide with generated ones and are skipped.
func (s *Service) observeNumber(ctx context.Context, number string) {
	err := s.numbers.Observe(ctx, number)
	switch {
	case err == nil:
	case errors.Is(err, sequence.ErrMalformedNumber):
		s.logger.DebugContext(ctx, "imported number outside generated formats", slog.String("number", number))
	default:
		s.logger.WarnContext(ctx, "raise counter for imported number",
			slog.String("number", number),
			slog.Any("error", err))
	}
}
