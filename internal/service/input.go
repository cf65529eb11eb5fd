package service

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// MaxSensorValue is the largest plaintext the ledger's encrypted integer type
// can hold.
const MaxSensorValue = math.MaxUint32

// ListingForm is the raw, user-entered listing draft. Numeric fields are kept
// as text so validation sees exactly what the user typed.
type ListingForm struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	Price          string `json:"price"`
	SecondaryValue string `json:"secondary_value,omitempty"`
	Description    string `json:"description"`
}

// ListingInput is a validated ListingForm.
type ListingInput struct {
	Name           string
	Value          uint64
	Price          uint64
	SecondaryValue uint64
	Description    string
}

// ValidationOptions controls numeric parsing of the public fields.
type ValidationOptions struct {
	// LenientNumbers coerces empty or unparsable price and secondary value to
	// 0 instead of rejecting them. The sensor value is always strict.
	LenientNumbers bool
}

// Validate checks the form and returns the parsed input. Every failure wraps
// domain.ErrValidation and happens before any external call.
func (f ListingForm) Validate(opts ValidationOptions) (ListingInput, error) {
	var errs []string

	name := strings.TrimSpace(f.Name)
	if name == "" {
		errs = append(errs, "name is required")
	}

	value, err := parseUint(f.Value, MaxSensorValue)
	if err != nil {
		errs = append(errs, "value "+err.Error())
	}

	price, err := parseUint(f.Price, math.MaxUint64)
	if err != nil {
		if !opts.LenientNumbers {
			errs = append(errs, "price "+err.Error())
		}
		price = 0
	}

	var secondary uint64
	if strings.TrimSpace(f.SecondaryValue) != "" {
		secondary, err = parseUint(f.SecondaryValue, math.MaxUint64)
		if err != nil {
			if !opts.LenientNumbers {
				errs = append(errs, "secondary_value "+err.Error())
			}
			secondary = 0
		}
	}

	if len(errs) > 0 {
		return ListingInput{}, fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(errs, "; "))
	}

	return ListingInput{
		Name:           name,
		Value:          value,
		Price:          price,
		SecondaryValue: secondary,
		Description:    f.Description,
	}, nil
}

// parseUint accepts only a plain base-10 non-negative integer.
func parseUint(s string, max uint64) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("is required")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("must be a non-negative integer, got %q", s)
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n > max {
		return 0, fmt.Errorf("out of range (max %d)", max)
	}
	return n, nil
}
