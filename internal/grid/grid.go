// Package grid maps prices onto a discretized power-of-ten tick grid.
package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultPrecision is the number of significant digits used when a venue does not report one.
const DefaultPrecision = 5

// ErrInvalidArgument is returned for non-positive prices and precisions below 1.
var ErrInvalidArgument = errors.New("invalid argument")

// TickSize returns 10^(floor(log10(price)) - precision + 1).
func TickSize(price float64, precision int) (float64, error) {
	if !(price > 0) || math.IsInf(price, 1) {
		return 0, fmt.Errorf("price %v must be greater than zero: %w", price, ErrInvalidArgument)
	}
	if precision < 1 {
		return 0, fmt.Errorf("precision %d must be at least 1: %w", precision, ErrInvalidArgument)
	}
	return math.Pow10(Magnitude(price) - precision + 1), nil
}

// Magnitude returns floor(log10(price)) for a positive price.
// math.Log10 is off by one ulp on some exact powers of ten (Log10(1000) < 3),
// so the estimate is corrected against the exact Pow10 table.
func Magnitude(price float64) int {
	e := int(math.Floor(math.Log10(price)))
	for math.Pow10(e+1) <= price {
		e++
	}
	for math.Pow10(e) > price {
		e--
	}
	return e
}

// Index returns the nearest grid offset of price from base.
func Index(price, base, tick float64) int {
	return int(math.Round((price - base) / tick))
}

// Price returns the grid price at idx.
func Price(base, tick float64, idx int) float64 {
	return base + float64(idx)*tick
}

// Align snaps price down onto the grid spanned by tick.
func Align(price, tick float64) float64 {
	return math.Floor(price/tick+1e-9) * tick
}

// ParsePrecision converts a venue precision tier ("P0".."P4") into significant digits.
// Plain integers are accepted as a digit count.
func ParsePrecision(s string) (int, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return DefaultPrecision, nil
	}
	if strings.HasPrefix(s, "P") {
		level, err := strconv.Atoi(s[1:])
		if err != nil || level < 0 || level >= DefaultPrecision {
			return 0, fmt.Errorf("unknown precision tier %q: %w", s, ErrInvalidArgument)
		}
		return DefaultPrecision - level, nil
	}
	digits, err := strconv.Atoi(s)
	if err != nil || digits < 1 {
		return 0, fmt.Errorf("invalid precision %q: %w", s, ErrInvalidArgument)
	}
	return digits, nil
}
