// Package sequence issues work order and invoice numbers from atomically
// updated counters keyed by document kind, numbering period and prefix variant.
package sequence

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Kind identifies the document family a number belongs to.
type Kind string

const (
	KindWorkOrder Kind = "work_order"
	KindInvoice   Kind = "invoice"
)

// Prefix variants. Work orders move to the overflow variant once the base
// variant runs past MaxSequence within a year.
const (
	VariantWorkOrder         = "FDWO"
	VariantWorkOrderOverflow = "FDWO1"
	VariantInvoice           = "FD"
)

const (
	// MaxSequence is the largest value that fits the four digit suffix.
	MaxSequence = 9999

	workOrderSeed = 1
	// invoiceSeed continues the numbering of the pre-existing invoice book.
	invoiceSeed = 13
)

var (
	// ErrMalformedNumber is returned when a document number does not match any known format.
	ErrMalformedNumber = errors.New("sequence: malformed document number")
	// ErrDuplicateNumber must be returned (wrapped) by persist callbacks when the
	// number collides with an existing document.
	ErrDuplicateNumber = errors.New("sequence: duplicate document number")
	// ErrSequenceExhausted indicates no number could be allocated within the retry budget.
	ErrSequenceExhausted = errors.New("sequence: exhausted")
)

var (
	workOrderPattern = regexp.MustCompile(`^(FDWO1?)-([0-9]{2})-([0-9]{4,})$`)
	invoicePattern   = regexp.MustCompile(`^FD([0-9]{3})/I/([0-9]{4,})$`)
)

// Key addresses one counter.
type Key struct {
	Kind    Kind
	Period  string
	Variant string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.Period, k.Variant)
}

// Prefix returns the literal prefix shared by every number issued from the key.
func (k Key) Prefix() string {
	if k.Kind == KindInvoice {
		return VariantInvoice + k.Period + "/I/"
	}
	return k.Variant + "-" + k.Period + "-"
}

func (k Key) seed() int {
	if k.Kind == KindInvoice {
		return invoiceSeed
	}
	return workOrderSeed
}

// Number is a parsed document number.
type Number struct {
	Key
	Seq int
}

// String renders the number in its canonical format.
func (n Number) String() string {
	return fmt.Sprintf("%s%04d", n.Prefix(), n.Seq)
}

// Format renders a document number for key and sequence value.
func Format(key Key, seq int) string {
	return Number{Key: key, Seq: seq}.String()
}

// Parse decodes FDWO-YY-NNNN, FDWO1-YY-NNNN and FD{FY}/I/NNNN numbers.
func Parse(raw string) (Number, error) {
	if m := workOrderPattern.FindStringSubmatch(raw); m != nil {
		seq, err := strconv.Atoi(m[3])
		if err != nil {
			return Number{}, fmt.Errorf("%w: %q", ErrMalformedNumber, raw)
		}
		return Number{Key: Key{Kind: KindWorkOrder, Period: m[2], Variant: m[1]}, Seq: seq}, nil
	}
	if m := invoicePattern.FindStringSubmatch(raw); m != nil {
		seq, err := strconv.Atoi(m[2])
		if err != nil {
			return Number{}, fmt.Errorf("%w: %q", ErrMalformedNumber, raw)
		}
		return Number{Key: Key{Kind: KindInvoice, Period: m[1], Variant: VariantInvoice}, Seq: seq}, nil
	}
	return Number{}, fmt.Errorf("%w: %q", ErrMalformedNumber, raw)
}

// FinancialYear returns the April to March financial year containing t.
func FinancialYear(t time.Time) (start, end int) {
	start = t.Year()
	if t.Month() < time.April {
		start--
	}
	return start, start + 1
}

// ShortFinancialYear renders the three character financial year used in
// invoice numbers: the last two digits of the start year followed by the tens
// digit of the end year (2025-2026 renders as "252").
func ShortFinancialYear(start, end int) string {
	return fmt.Sprintf("%02d%d", start%100, (end/10)%10)
}

// PeriodKey returns the numbering period for kind at time t. Work orders are
// numbered per calendar year, invoices per financial year.
func PeriodKey(kind Kind, t time.Time) string {
	if kind == KindInvoice {
		return ShortFinancialYear(FinancialYear(t))
	}
	return fmt.Sprintf("%02d", t.Year()%100)
}
