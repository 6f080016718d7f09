package hodl

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// this file contains the import/export formats of the application itself.
// Exports must remain readable back by the format package: an exported file
// re-imported with duplicates skipped is a no-op.

// NativeCSVHeader is the exact header of the CSV export.
var NativeCSVHeader = []string{
	"ID", "Date", "Type", "BTC Amount", "Currency", "Price per BTC", "Total Cost", "Fee", "Fee Currency",
	"Source", "External ID",
	"EUR Price", "EUR Total", "EUR Fee", "EUR Rate",
	"USD Price", "USD Total", "USD Fee", "USD Rate",
	"Notes",
}

// NativeFormat is the marker of the JSON export.
const NativeFormat = "hodl-ledger"

// NativeExport is the document written by ExportJSON.
type NativeExport struct {
	Format       string        `json:"format"`
	Version      int           `json:"version"`
	ExportedAt   time.Time     `json:"exportedAt"`
	Transactions []Transaction `json:"transactions"`
}

// ExportCSV writes txs as a CSV file with NativeCSVHeader.
func ExportCSV(w io.Writer, txs []Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(NativeCSVHeader); err != nil {
		return fmt.Errorf("cannot write csv header: %w", err)
	}
	str := func(d decimal.Decimal) string { return d.String() }
	for _, tx := range txs {
		o, eur, usd := tx.Original, tx.Converted.EUR, tx.Converted.USD
		row := []string{
			tx.ID, tx.Date.String(), string(tx.Type), str(tx.BTCAmount), o.Currency, str(o.PricePerBTC), str(o.TotalCost), str(o.Fee), o.FeeCurrency,
			tx.Source, tx.ExternalID,
			str(eur.PricePerBTC), str(eur.TotalCost), str(eur.Fee), str(eur.RateUsed),
			str(usd.PricePerBTC), str(usd.TotalCost), str(usd.Fee), str(usd.RateUsed),
			tx.Notes,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("cannot write transaction %s: %w", tx.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportJSON writes txs as a single NativeExport JSON document.
func ExportJSON(w io.Writer, txs []Transaction) error {
	doc := NativeExport{
		Format:       NativeFormat,
		Version:      1,
		ExportedAt:   time.Now().UTC(),
		Transactions: txs,
	}
	if doc.Transactions == nil {
		doc.Transactions = []Transaction{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("cannot encode export: %w", err)
	}
	return nil
}
