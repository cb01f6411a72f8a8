package billing

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	gstPattern    = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)
	mobilePattern = regexp.MustCompile(`^[6-9][0-9]{9}$`)

	hundred   = decimal.NewFromInt(100)
	minAmount = decimal.RequireFromString("0.01")
	maxAmount = decimal.New(1, 13)
)

// ValidGSTNumber reports whether s is a well-formed 15 character GSTIN.
func ValidGSTNumber(s string) bool {
	return gstPattern.MatchString(s)
}

// ValidMobileNumber reports whether s is a ten digit Indian mobile number.
func ValidMobileNumber(s string) bool {
	return mobilePattern.MatchString(s)
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("gstin", func(fl validator.FieldLevel) bool {
		return ValidGSTNumber(fl.Field().String())
	})
	_ = v.RegisterValidation("in_mobile", func(fl validator.FieldLevel) bool {
		return ValidMobileNumber(fl.Field().String())
	})
	return v
}

// checkStruct runs tag validation and collects failures into fields.
func checkStruct(v *validator.Validate, s any, fields map[string]string) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, fe := range verrs {
		fields[snakeCase(fe.Field())] = tagMessage(fe)
	}
	return nil
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gstin":
		return "must be a valid 15 character GST number"
	case "in_mobile":
		return "must be 10 digits starting with 6-9"
	case "email":
		return "must be a valid e-mail address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must not be empty"
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "is invalid"
	}
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func checkAmount(fields map[string]string, field string, v decimal.Decimal) {
	switch {
	case v.LessThan(minAmount):
		fields[field] = "must be greater than zero"
	case v.GreaterThanOrEqual(maxAmount):
		fields[field] = "is too large"
	case !v.Equal(v.Round(2)):
		fields[field] = "must have at most two decimal places"
	}
}

func checkPercent(fields map[string]string, field string, v decimal.Decimal) {
	switch {
	case v.IsNegative():
		fields[field] = "must not be negative"
	case v.GreaterThan(hundred):
		fields[field] = "must not exceed 100"
	case !v.Equal(v.Round(2)):
		fields[field] = "must have at most two decimal places"
	}
}

func validationResult(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
