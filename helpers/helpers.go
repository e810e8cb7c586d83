package helpers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// IntToString converts int64 to string.
func IntToString(i int64) string {
	return strconv.FormatInt(i, 10)
}

// ParseNullDecimal treats an empty string as an absent value.
func ParseNullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

// ParseDecimalPair parses an exchange level of the form [price, size, ...].
func ParseDecimalPair(level []string) (price, size decimal.Decimal, err error) {
	if len(level) < 2 {
		return price, size, fmt.Errorf("level %v: expected price and size", level)
	}
	if price, err = decimal.NewFromString(level[0]); err != nil {
		return price, size, fmt.Errorf("level %v: price: %w", level, err)
	}
	if size, err = decimal.NewFromString(level[1]); err != nil {
		return price, size, fmt.Errorf("level %v: size: %w", level, err)
	}
	return price, size, nil
}

// UnixMilli converts exchange millisecond timestamps, 0 stays the zero time.
func UnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
