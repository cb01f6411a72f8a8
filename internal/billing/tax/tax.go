// Package tax splits a taxable amount into CGST+SGST or IGST by place of supply.
package tax

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/folkdrive/fdbilling/internal/billing/calc"
)

const (
	// HomeState is the seller's registration state. Supplies within it are intra-state.
	HomeState = "Gujarat"
	// InterStateIGSTRate is applied to every inter-state supply regardless of the rates passed in.
	InterStateIGSTRate = 18
)

// ErrInvalidRate is reported for negative or out of range rates.
var ErrInvalidRate = errors.New("tax: invalid rate")

var (
	igstRate = decimal.NewFromInt(InterStateIGSTRate)
	maxRate  = decimal.NewFromInt(100)
)

// Breakdown holds effective rates and amounts of each tax component.
type Breakdown struct {
	CGSTRate   decimal.Decimal
	SGSTRate   decimal.Decimal
	IGSTRate   decimal.Decimal
	CGSTAmount decimal.Decimal
	SGSTAmount decimal.Decimal
	IGSTAmount decimal.Decimal
}

// Total returns the sum of the three tax amounts.
func (b Breakdown) Total() decimal.Decimal {
	return b.CGSTAmount.Add(b.SGSTAmount).Add(b.IGSTAmount)
}

// Result is the outcome of Split. When Err is set every amount is zero.
type Result struct {
	Breakdown
	Intrastate bool
	Err        error
}

// IsIntrastate reports whether placeOfSupply is the home state, ignoring case
// and surrounding whitespace.
func IsIntrastate(placeOfSupply string) bool {
	// Casers carry state and cannot be shared between goroutines.
	fold := cases.Fold()
	return fold.String(strings.TrimSpace(placeOfSupply)) == fold.String(HomeState)
}

// Split applies CGST and SGST independently to the full taxable amount for
// intra-state supplies, or the flat IGST rate otherwise.
func Split(taxable, cgstRate, sgstRate decimal.Decimal, placeOfSupply string) Result {
	if IsIntrastate(placeOfSupply) {
		if err := checkRate("cgst", cgstRate); err != nil {
			return zeroed(true, err)
		}
		if err := checkRate("sgst", sgstRate); err != nil {
			return zeroed(true, err)
		}
		return Result{
			Intrastate: true,
			Breakdown: Breakdown{
				CGSTRate:   cgstRate,
				SGSTRate:   sgstRate,
				IGSTRate:   decimal.Zero,
				CGSTAmount: calc.Percent(taxable, cgstRate),
				SGSTAmount: calc.Percent(taxable, sgstRate),
				IGSTAmount: decimal.Zero,
			},
		}
	}
	return Result{
		Breakdown: Breakdown{
			CGSTRate:   decimal.Zero,
			SGSTRate:   decimal.Zero,
			IGSTRate:   igstRate,
			CGSTAmount: decimal.Zero,
			SGSTAmount: decimal.Zero,
			IGSTAmount: calc.Percent(taxable, igstRate),
		},
	}
}

func checkRate(name string, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(maxRate) {
		return fmt.Errorf("%w: %s rate %s", ErrInvalidRate, name, rate)
	}
	return nil
}

func zeroed(intrastate bool, err error) Result {
	return Result{
		Intrastate: intrastate,
		Breakdown: Breakdown{
			CGSTRate:   decimal.Zero,
			SGSTRate:   decimal.Zero,
			IGSTRate:   decimal.Zero,
			CGSTAmount: decimal.Zero,
			SGSTAmount: decimal.Zero,
			IGSTAmount: decimal.Zero,
		},
		Err: err,
	}
}
