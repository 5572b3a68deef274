package domain

import (
	"math"
	"strings"

	"golang.org/x/text/currency"
)

// ConvertAtSnapshot converts an amount in purchase-currency minor units into
// settlement minor units using the exchange rate pinned at purchase time.
// A zero or negative rate means the purchase currency is the settlement
// currency and the amount passes through unchanged. Rounding is half away
// from zero so buyers are never shorted by truncation.
func ConvertAtSnapshot(amount int64, fx FXSnapshot) int64 {
	if fx.Rate <= 0 || fx.Rate == 1 {
		return amount
	}
	converted := float64(amount) * fx.Rate
	return int64(math.Round(converted))
}

// ValidCurrency reports whether code is a well-formed ISO 4217 currency code.
func ValidCurrency(code string) bool {
	_, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	return err == nil
}
