package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// WorkOrderStatus enumerates work order lifecycle states.
type WorkOrderStatus string

const (
	WorkOrderDraft      WorkOrderStatus = "draft"
	WorkOrderConfirmed  WorkOrderStatus = "confirmed"
	WorkOrderInProgress WorkOrderStatus = "in_progress"
	WorkOrderCompleted  WorkOrderStatus = "completed"
	WorkOrderCancelled  WorkOrderStatus = "cancelled"
)

// Valid reports whether s is a known work order status.
func (s WorkOrderStatus) Valid() bool {
	switch s {
	case WorkOrderDraft, WorkOrderConfirmed, WorkOrderInProgress, WorkOrderCompleted, WorkOrderCancelled:
		return true
	}
	return false
}

// Invoiceable reports whether a work order in status s may be converted.
func (s WorkOrderStatus) Invoiceable() bool {
	return s == WorkOrderConfirmed || s == WorkOrderCompleted
}

// InvoiceStatus enumerates invoice states.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

// Valid reports whether s is a known invoice status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

// PaymentStatus enumerates payment ledger entry states.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// CanTransition reports whether a payment may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentCompleted || next == PaymentFailed
	case PaymentCompleted:
		return next == PaymentRefunded
	}
	return false
}

// PaymentMethod enumerates accepted payment instruments.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodDebitCard    PaymentMethod = "debit_card"
	MethodUPI          PaymentMethod = "upi"
	MethodCash         PaymentMethod = "cash"
	MethodCheque       PaymentMethod = "cheque"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodCreditCard, MethodDebitCard, MethodUPI, MethodCash, MethodCheque:
		return true
	}
	return false
}

// Defaults applied to new documents.
const (
	DefaultHSNCode       = "998314"
	DefaultSACCode       = "998314"
	DefaultPlaceOfSupply = "Gujarat"
)

// Customer model.
type Customer struct {
	ID             int64
	CompanyName    string
	ContactName    string
	MobileNumber   string
	Email          string
	GSTNumber      string
	Address        string
	BranchLocation string
	IsMigrated     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkOrder model.
type WorkOrder struct {
	ID                 int64
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
	HSNCode            string
	SACCode            string
	PlaceOfSupply      string
	IsService          bool
	Status             WorkOrderStatus
	TermsAndConditions string
	CreatedBy          string
	IsMigrated         bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Invoice model. Subtotal is the taxable amount after discount.
type Invoice struct {
	ID                           int64
	Number                       string
	WorkOrderID                  int64
	CustomerID                   int64
	InvoiceDate                  time.Time
	DueDate                      time.Time
	BaseAmount                   decimal.Decimal
	DiscountAmount               decimal.Decimal
	GSTPercentage                decimal.Decimal
	GSTAmount                    decimal.Decimal
	Subtotal                     decimal.Decimal
	TotalAmount                  decimal.Decimal
	HSNCode                      string
	SACCode                      string
	PlaceOfSupply                string
	IsService                    bool
	CGSTRate                     decimal.Decimal
	SGSTRate                     decimal.Decimal
	IGSTRate                     decimal.Decimal
	CGSTAmount                   decimal.Decimal
	SGSTAmount                   decimal.Decimal
	IGSTAmount                   decimal.Decimal
	AmountPaid                   decimal.Decimal
	BalanceDue                   decimal.Decimal
	PaymentCollectedAtConversion bool
	Status                       InvoiceStatus
	TermsAndConditions           string
	IsMigrated                   bool
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// Payment is an append-only ledger entry against an invoice.
type Payment struct {
	ID              int64
	InvoiceID       int64
	PaymentDate     time.Time
	Amount          decimal.Decimal
	Method          PaymentMethod
	ReferenceNumber string
	Notes           string
	Status          PaymentStatus
	IsMigrated      bool
	CreatedAt       time.Time
}

// --- Input DTOs ---

// CustomerInput for registering customers.
type CustomerInput struct {
	CompanyName    string `validate:"required,max=255"`
	ContactName    string `validate:"required,max=255"`
	MobileNumber   string `validate:"required,in_mobile"`
	Email          string `validate:"required,email,max=254"`
	GSTNumber      string `validate:"required,gstin"`
	Address        string `validate:"required"`
	BranchLocation string `validate:"required,max=255"`
}

// ContactUpdate changes the mutable contact fields of a customer. Nil fields are left untouched.
type ContactUpdate struct {
	ContactName    *string `validate:"omitempty,min=1,max=255"`
	MobileNumber   *string `validate:"omitempty,in_mobile"`
	Email          *string `validate:"omitempty,email,max=254"`
	Address        *string `validate:"omitempty,min=1"`
	BranchLocation *string `validate:"omitempty,min=1,max=255"`
}

// WorkOrderInput for creating work orders. A nil GSTPercentage uses the configured default.
type WorkOrderInput struct {
	CustomerID         int64  `validate:"required,gt=0"`
	ProjectTitle       string `validate:"required,max=255"`
	ProjectDescription string
	BaseAmount         decimal.Decimal
	DiscountPercentage decimal.Decimal
	GSTPercentage      *decimal.Decimal
	HSNCode            string `validate:"max=10"`
	SACCode            string `validate:"max=10"`
	PlaceOfSupply      string `validate:"max=100"`
	IsService          *bool
	Status             WorkOrderStatus
	TermsAndConditions string
	CreatedBy          string `validate:"required,max=255"`
}

// WorkOrderUpdate edits a work order. Nil fields are left untouched.
type WorkOrderUpdate struct {
	ProjectTitle       *string `validate:"omitempty,min=1,max=255"`
	ProjectDescription *string
	BaseAmount         *decimal.Decimal
	DiscountPercentage *decimal.Decimal
	GSTPercentage      *decimal.Decimal
	HSNCode            *string `validate:"omitempty,max=10"`
	SACCode            *string `validate:"omitempty,max=10"`
	PlaceOfSupply      *string `validate:"omitempty,max=100"`
	IsService          *bool
	Status             *WorkOrderStatus
	TermsAndConditions *string
}

// InitialPayment is the optional payment collected while converting a work order.
type InitialPayment struct {
	Amount          decimal.Decimal
	Method          PaymentMethod
	ReferenceNumber string
	Notes           string
	PaymentDate     time.Time
}

// ConvertInput drives ConvertToInvoice. Zero dates and empty place of supply
// fall back to today, the configured payment term and the work order's place.
// Nil rates use the configured intra-state defaults.
type ConvertInput struct {
	WorkOrderID        int64
	InvoiceDate        time.Time
	DueDate            time.Time
	PlaceOfSupply      string
	CGSTRate           *decimal.Decimal
	SGSTRate           *decimal.Decimal
	TermsAndConditions string
	InitialPayment     *InitialPayment
}

// PaymentInput for recording payments. An empty Status records a completed payment.
type PaymentInput struct {
	Amount          decimal.Decimal
	PaymentDate     time.Time
	Method          PaymentMethod
	ReferenceNumber string `validate:"max=100"`
	Notes           string
	Status          PaymentStatus
}

// SweepResult summarises an overdue sweep.
type SweepResult struct {
	Checked int
	Overdue int
	Failed  int
}
