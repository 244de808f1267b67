// Package currency provides the currency → decimal-places lookup used for
// display formatting. Amounts are stored as integer minor units everywhere;
// this package never participates in arithmetic.
package currency

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCurrency is returned by callers that require a known currency
// code rather than the display fallback.
var ErrUnknownCurrency = errors.New("unknown currency code")

var decimals = map[string]int{
	"AUD": 2,
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"NZD": 2,
	"SGD": 2,
	"CAD": 2,
	"MYR": 2,
	"IDR": 2,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"KWD": 3,
	"BHD": 3,
}

// Valid reports whether the currency code is in the lookup table.
func Valid(code string) bool {
	_, ok := decimals[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// Decimals returns the number of minor-unit decimal places for a currency.
// Unknown currencies fall back to 2.
func Decimals(code string) int {
	if d, ok := decimals[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return d
	}
	return 2
}

// FormatMinorUnits renders an integer minor-unit amount as a decimal string,
// e.g. 1050 AUD → "10.50", 1050 JPY → "1050".
func FormatMinorUnits(amount int64, code string) string {
	d := Decimals(code)
	if d == 0 {
		return fmt.Sprintf("%d", amount)
	}

	negative := amount < 0
	if negative {
		amount = -amount
	}

	pow := int64(1)
	for i := 0; i < d; i++ {
		pow *= 10
	}

	whole := amount / pow
	frac := amount % pow

	sign := ""
	if negative {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%0*d", sign, whole, d, frac)
}
