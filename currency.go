package hodl

import (
	"slices"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Tracked currencies: every transaction carries its figures converted into both.
const (
	EUR = "EUR"
	USD = "USD"
)

// Currencies is the fixed set of supported currency codes. The tracked pair comes first.
var Currencies = []string{EUR, USD, "GBP", "CHF", "CAD", "AUD", "JPY"}

// aliases maps quote assets used by exchanges to the currency they are accounted in.
var aliases = map[string]string{
	"USDT": USD,
	"USDC": USD,
	"ZUSD": USD,
	"ZEUR": EUR,
	"ZGBP": "GBP",
	"ZCAD": "CAD",
	"ZJPY": "JPY",
	"ZCHF": "CHF",
	"ZAUD": "AUD",
}

// IsSupported reports whether code is one of Currencies.
func IsSupported(code string) bool { return slices.Contains(Currencies, code) }

// ParseCurrency normalizes a currency code (case, spaces and well known exchange
// aliases) and checks that it is supported.
func ParseCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if a, ok := aliases[c]; ok {
		c = a
	}
	if !IsSupported(c) {
		return "", Errorf(UnsupportedCurrency, "unsupported currency %q, want one of %s", code, strings.Join(Currencies, ", "))
	}
	return c, nil
}

// Fraction returns the number of minor unit digits of a currency (2 for EUR, 0 for JPY).
func Fraction(code string) int32 {
	cur := money.GetCurrency(code)
	if cur == nil {
		return 2
	}
	return int32(cur.Fraction)
}

// FormatAmount renders v in currency code, using its symbol and minor units.
func FormatAmount(v decimal.Decimal, code string) string {
	cur := money.GetCurrency(code)
	if cur == nil {
		return v.StringFixed(2) + " " + code
	}
	minor := v.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

// FormatBTC renders a bitcoin amount with satoshi precision.
func FormatBTC(v decimal.Decimal) string { return v.StringFixed(8) + " BTC" }
