package hodl

import (
	"fmt"
	"strings"

	"github.com/etnz/hodl/date"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Type of a transaction.
type Type string

const (
	Buy  Type = "BUY"
	Sell Type = "SELL"
)

// ParseType reads a transaction type from the vocabulary used by sources.
// Transfers (deposit, withdrawal, sent, ...) are neither buys nor sells and
// fail.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bought", "purchase":
		return Buy, nil
	case "sell", "s", "sold", "sale":
		return Sell, nil
	case "in", "out", "recv", "receive", "received", "deposit", "sent", "send", "withdrawal", "transfer":
		return "", fmt.Errorf("transaction type %q is a transfer, not a buy or a sell", s)
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// Original holds the figures as declared by the source, unconverted.
type Original struct {
	Currency    string          `json:"currency"`
	PricePerBTC decimal.Decimal `json:"pricePerBtc"`
	TotalCost   decimal.Decimal `json:"totalCost"`
	Fee         decimal.Decimal `json:"fee"`
	// FeeCurrency is set when the fee is not declared in Currency.
	FeeCurrency string `json:"feeCurrency,omitempty"`
}

// FeeIn returns the currency the fee is declared in.
func (o Original) FeeIn() string {
	if o.FeeCurrency == "" {
		return o.Currency
	}
	return o.FeeCurrency
}

// Conversion holds figures converted into one tracked currency.
type Conversion struct {
	PricePerBTC decimal.Decimal `json:"pricePerBtc"`
	TotalCost   decimal.Decimal `json:"totalCost"`
	Fee         decimal.Decimal `json:"fee"`
	RateUsed    decimal.Decimal `json:"rateUsed"`
	// Estimated is true when no rate was available and RateUsed is the identity fallback.
	Estimated bool `json:"estimated,omitempty"`
}

// Converted holds the figures in each tracked currency.
type Converted struct {
	EUR Conversion `json:"eur"`
	USD Conversion `json:"usd"`
}

// In returns the conversion into a tracked currency.
func (c Converted) In(code string) (Conversion, bool) {
	switch code {
	case EUR:
		return c.EUR, true
	case USD:
		return c.USD, true
	}
	return Conversion{}, false
}

// Transaction is the canonical, source independent record of one buy or sell of bitcoin.
type Transaction struct {
	ID string `json:"id"`
	// ExternalID is the source native trade or order identifier, if any.
	ExternalID string          `json:"externalId,omitempty"`
	Type       Type            `json:"type"`
	BTCAmount  decimal.Decimal `json:"btcAmount"`
	Date       date.Date       `json:"transactionDate"`
	Source     string          `json:"source"`
	Original   Original        `json:"original"`
	Converted  Converted       `json:"converted"`
	Notes      string          `json:"notes,omitempty"`
}

// idSpace namespaces identifiers derived from exchange native ids.
var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/etnz/hodl/transactions"))

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// ExternalKey returns the deterministic identifier of a record that a source
// identifies with its own id. Delivering the same record twice yields the same id.
func ExternalKey(source, externalID string) string {
	return uuid.NewSHA1(idSpace, []byte(strings.ToLower(source)+":"+externalID)).String()
}

// Validate checks the invariants of a transaction as it leaves a parser. It
// completes missing totals and prices when the other one is known.
func (tx *Transaction) Validate() error {
	if tx.Type != Buy && tx.Type != Sell {
		return fmt.Errorf("invalid transaction type %q", tx.Type)
	}
	if !tx.BTCAmount.IsPositive() {
		return fmt.Errorf("btc amount must be positive, got %s", tx.BTCAmount)
	}
	if tx.Date.IsZero() {
		return fmt.Errorf("missing transaction date")
	}
	cur, err := ParseCurrency(tx.Original.Currency)
	if err != nil {
		return err
	}
	tx.Original.Currency = cur
	if tx.Original.FeeCurrency != "" {
		fc, err := ParseCurrency(tx.Original.FeeCurrency)
		if err != nil {
			return err
		}
		if fc == cur {
			fc = ""
		}
		tx.Original.FeeCurrency = fc
	}
	o := &tx.Original
	switch {
	case o.TotalCost.IsZero() && !o.PricePerBTC.IsZero():
		o.TotalCost = o.PricePerBTC.Mul(tx.BTCAmount)
	case o.PricePerBTC.IsZero() && !o.TotalCost.IsZero():
		o.PricePerBTC = o.TotalCost.Div(tx.BTCAmount)
	}
	if o.PricePerBTC.IsNegative() || o.TotalCost.IsNegative() {
		return fmt.Errorf("price and total must not be negative")
	}
	if o.Fee.IsNegative() {
		o.Fee = o.Fee.Neg()
	}
	return nil
}

// IsConverted reports whether both tracked conversions are populated.
func (tx Transaction) IsConverted() bool {
	return !tx.Converted.EUR.RateUsed.IsZero() && !tx.Converted.USD.RateUsed.IsZero()
}
