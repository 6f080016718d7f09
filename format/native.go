package format

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/shopspring/decimal"
)

// NativeCSV reads back hodl.ExportCSV files.
type NativeCSV struct{}

func (NativeCSV) Name() string { return "native-csv" }
func (NativeCSV) Kind() Kind   { return Rows }

func (NativeCSV) Matches(c Content) bool { return hasHeader(c, hodl.NativeCSVHeader) }

func (NativeCSV) Records(c Content) ([]Record, error) { return rows(c) }

func (NativeCSV) Parse(r Record) (hodl.Transaction, error) {
	f := r.Fields
	d, err := date.Parse(f["Date"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	typ, err := hodl.ParseType(f["Type"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	num := make(map[string]decimal.Decimal)
	for _, col := range []string{
		"BTC Amount", "Price per BTC", "Total Cost", "Fee",
		"EUR Price", "EUR Total", "EUR Fee", "EUR Rate",
		"USD Price", "USD Total", "USD Fee", "USD Rate",
	} {
		if num[col], err = number(col, f[col]); err != nil {
			return hodl.Transaction{}, err
		}
	}
	tx := hodl.Transaction{
		ID:         f["ID"],
		ExternalID: f["External ID"],
		Type:       typ,
		BTCAmount:  num["BTC Amount"],
		Date:       d,
		Source:     f["Source"],
		Original: hodl.Original{
			Currency:    f["Currency"],
			PricePerBTC: num["Price per BTC"],
			TotalCost:   num["Total Cost"],
			Fee:         num["Fee"],
			FeeCurrency: f["Fee Currency"],
		},
		Converted: hodl.Converted{
			EUR: hodl.Conversion{PricePerBTC: num["EUR Price"], TotalCost: num["EUR Total"], Fee: num["EUR Fee"], RateUsed: num["EUR Rate"]},
			USD: hodl.Conversion{PricePerBTC: num["USD Price"], TotalCost: num["USD Total"], Fee: num["USD Fee"], RateUsed: num["USD Rate"]},
		},
		Notes: f["Notes"],
	}
	if err := tx.Validate(); err != nil {
		return hodl.Transaction{}, err
	}
	return tx, nil
}

// NativeJSON reads back hodl.ExportJSON documents.
type NativeJSON struct{}

func (NativeJSON) Name() string { return "native-json" }
func (NativeJSON) Kind() Kind   { return Payload }

func (NativeJSON) Matches(c Content) bool {
	v, err := query(c, "$.format")
	return err == nil && v == hodl.NativeFormat
}

func (NativeJSON) Records(c Content) ([]Record, error) {
	var doc struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(c.Body(), &doc); err != nil {
		return nil, fmt.Errorf("cannot decode export: %w", err)
	}
	return payloads(doc.Transactions), nil
}

func (NativeJSON) Parse(r Record) (hodl.Transaction, error) {
	var tx hodl.Transaction
	if err := json.Unmarshal(r.Payload, &tx); err != nil {
		return hodl.Transaction{}, err
	}
	if err := tx.Validate(); err != nil {
		return hodl.Transaction{}, err
	}
	return tx, nil
}

// query evaluates a JSONPath expression on the JSON document of c.
func query(c Content, path string) (any, error) {
	var doc any
	if err := json.Unmarshal(c.Body(), &doc); err != nil {
		return nil, err
	}
	return jsonpath.Get(path, doc)
}

// payloads makes one record per JSON element.
func payloads(items []json.RawMessage) []Record {
	res := make([]Record, len(items))
	for i, item := range items {
		res[i] = Record{Index: i + 1, Payload: item, Raw: string(item)}
	}
	return res
}
