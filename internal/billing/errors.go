package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation             = errors.New("billing: validation failed")
	ErrNotFound               = errors.New("billing: not found")
	ErrInvalidConversionState = errors.New("billing: work order cannot be converted to an invoice")
	ErrDuplicateGST           = errors.New("billing: gst number already registered")
	ErrInvalidStatus          = errors.New("billing: invalid status for operation")
	ErrOverpayment            = errors.New("billing: payment exceeds balance due")
	// ErrConcurrentUpdate is returned when a transaction lost a race on an
	// invoice row and can be retried.
	ErrConcurrentUpdate = errors.New("billing: concurrent update")
)

// ValidationError reports rejected input per field. It matches ErrValidation
// and unwraps to the underlying cause when there is one.
type ValidationError struct {
	Fields map[string]string
	Err    error
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func causeError(field, message string, cause error) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}, Err: cause}
}

// ProjectionError indicates the payment was recorded but the invoice's cached
// totals and status could not be refreshed.
type ProjectionError struct {
	InvoiceID int64
	PaymentID int64
	Err       error
	Retryable bool
	// Scheduled is true when a background recompute was enqueued.
	Scheduled bool
}

func (e *ProjectionError) Error() string {
	state := "recompute pending"
	if e.Scheduled {
		state = "recompute scheduled"
	}
	return fmt.Sprintf("payment %d recorded but invoice %d projection not updated (%s): %v", e.PaymentID, e.InvoiceID, state, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}
