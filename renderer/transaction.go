package renderer

import (
	"fmt"

	"github.com/etnz/hodl"
	"github.com/shopspring/decimal"
)

// Transaction renders a transaction to a string.
func Transaction(tx hodl.Transaction) string {
	o := tx.Original
	switch tx.Type {
	case hodl.Buy:
		return fmt.Sprintf("Bought %s for %s on %s", hodl.FormatBTC(tx.BTCAmount), hodl.FormatAmount(o.TotalCost, o.Currency), tx.Date)
	case hodl.Sell:
		return fmt.Sprintf("Sold %s for %s on %s", hodl.FormatBTC(tx.BTCAmount), hodl.FormatAmount(o.TotalCost, o.Currency), tx.Date)
	default:
		return string(tx.Type)
	}
}

type transactionRow struct {
	Date, Type, BTC, Price, Total, Fee, Source, Notes string
	// Estimated is true when the figures were converted without a rate.
	Estimated bool
}

type transactionsView struct {
	Currency string
	Rows     []transactionRow
	Net      string
	net      decimal.Decimal
}

func row(tx hodl.Transaction, currency string) transactionRow {
	r := transactionRow{
		Date:   tx.Date.String(),
		Type:   string(tx.Type),
		BTC:    hodl.FormatBTC(tx.BTCAmount),
		Source: tx.Source,
		Notes:  tx.Notes,
	}
	if c, ok := tx.Converted.In(currency); ok && tx.IsConverted() {
		r.Price = hodl.FormatAmount(c.PricePerBTC, currency)
		r.Total = hodl.FormatAmount(c.TotalCost, currency)
		r.Fee = hodl.FormatAmount(c.Fee, currency)
		r.Estimated = c.Estimated
		return r
	}
	o := tx.Original
	r.Price = hodl.FormatAmount(o.PricePerBTC, o.Currency)
	r.Total = hodl.FormatAmount(o.TotalCost, o.Currency)
	r.Fee = hodl.FormatAmount(o.Fee, o.FeeIn())
	return r
}
