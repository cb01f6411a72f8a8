// Package calc derives discount, taxable amount, GST and total from a base amount.
package calc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is reported for values that do not fit the stored money columns.
var ErrInvalidAmount = errors.New("calc: invalid amount")

const (
	moneyPlaces = 2

	// NUMERIC(15,2) and NUMERIC(5,2).
	maxAmountDigits  = 13
	maxPercentDigits = 3
)

var (
	hundred         = decimal.NewFromInt(100)
	maxAmountBound  = decimal.New(1, maxAmountDigits)
	maxPercentBound = decimal.New(1, maxPercentDigits)
)

// Financials is the monetary breakdown shared by work orders and invoices.
type Financials struct {
	DiscountAmount decimal.Decimal
	TaxableAmount  decimal.Decimal
	GSTAmount      decimal.Decimal
	Total          decimal.Decimal
}

// Result is the outcome of a computation. When Err is set the breakdown holds
// the safe fallback: no discount, no GST and the base amount as total.
type Result struct {
	Financials
	Err error
}

// Round rounds a money value to two places, half away from zero.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(moneyPlaces)
}

// Percent returns round(amount * pct / 100).
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(pct).Div(hundred))
}

// Compute rounds the discount first and applies GST to the discounted base.
// It never fails; invalid input yields the fallback breakdown with Err set.
func Compute(base, discountPct, gstPct decimal.Decimal) Result {
	if err := checkInputs(base, discountPct, gstPct); err != nil {
		return fallback(base, err)
	}
	discount := Percent(base, discountPct)
	taxable := Round(base.Sub(discount))
	gst := Percent(taxable, gstPct)
	total := taxable.Add(gst)
	if total.Abs().GreaterThanOrEqual(maxAmountBound) {
		return fallback(base, fmt.Errorf("%w: total %s out of range", ErrInvalidAmount, total))
	}
	return Result{Financials: Financials{
		DiscountAmount: discount,
		TaxableAmount:  taxable,
		GSTAmount:      gst,
		Total:          total,
	}}
}

// ComputeStrings parses text inputs and computes. Unparseable input is soft-failed.
func ComputeStrings(base, discountPct, gstPct string) Result {
	b, err := ParseDecimal(base)
	if err != nil {
		return fallback(decimal.Zero, err)
	}
	d, err := ParseDecimal(discountPct)
	if err != nil {
		return fallback(b, err)
	}
	g, err := ParseDecimal(gstPct)
	if err != nil {
		return fallback(b, err)
	}
	return Compute(b, d, g)
}

// ParseDecimal parses a decimal literal, ignoring surrounding whitespace.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	v, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, raw, err)
	}
	return v, nil
}

func checkInputs(base, discountPct, gstPct decimal.Decimal) error {
	if base.Abs().GreaterThanOrEqual(maxAmountBound) {
		return fmt.Errorf("%w: base %s out of range", ErrInvalidAmount, base)
	}
	if discountPct.Abs().GreaterThanOrEqual(maxPercentBound) {
		return fmt.Errorf("%w: discount percentage %s out of range", ErrInvalidAmount, discountPct)
	}
	if gstPct.Abs().GreaterThanOrEqual(maxPercentBound) {
		return fmt.Errorf("%w: gst percentage %s out of range", ErrInvalidAmount, gstPct)
	}
	return nil
}

func fallback(base decimal.Decimal, err error) Result {
	return Result{
		Financials: Financials{
			DiscountAmount: decimal.Zero,
			TaxableAmount:  base,
			GSTAmount:      decimal.Zero,
			Total:          base,
		},
		Err: err,
	}
}
