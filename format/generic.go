package format

import (
	"fmt"
	"strings"

	"github.com/etnz/hodl"
	"github.com/shopspring/decimal"
)

// aliases maps each logical column to the column keys that name it.
var aliases = map[string][]string{
	"date":     {"date", "timestamp", "time", "datetime", "transaction date", "operation date", "created at", "trade date"},
	"type":     {"type", "side", "transaction type", "action", "kind", "operation"},
	"amount":   {"amount", "btc amount", "btc", "quantity", "qty", "volume", "vol", "size", "amount btc"},
	"price":    {"price", "price per btc", "rate", "unit price", "btc price", "spot price"},
	"total":    {"total", "total cost", "cost", "value", "fiat amount", "fiat value", "subtotal", "fiat"},
	"fee":      {"fee", "fees", "commission"},
	"currency": {"currency", "fiat currency", "quote currency", "price currency"},
	"notes":    {"notes", "note", "description", "memo", "label", "comment"},
}

// columns resolves the logical columns of a header. The first matching column wins.
func columns(h []string) map[string]string {
	res := make(map[string]string)
	for _, name := range h {
		key := columnKey(name)
		if key == "" {
			// "EUR" alone is a total in that currency
			key = "fiat"
		}
		for col, names := range aliases {
			if _, done := res[col]; done {
				continue
			}
			for _, alias := range names {
				if key == alias {
					res[col] = name
					break
				}
			}
		}
	}
	return res
}

// GenericCSV reads any delimited file with recognizable date, type, amount
// and price or total columns, whatever their order and spelling.
type GenericCSV struct{ Options }

func (GenericCSV) Name() string { return "generic-csv" }
func (GenericCSV) Kind() Kind   { return Rows }

func (GenericCSV) Matches(c Content) bool {
	if c.Kind() != Rows {
		return false
	}
	h, err := header(c)
	if err != nil {
		return false
	}
	cols := columns(h)
	_, amount := cols["amount"]
	_, price := cols["price"]
	_, total := cols["total"]
	return amount && (price || total)
}

func (GenericCSV) Records(c Content) ([]Record, error) { return rows(c) }

func (g GenericCSV) Parse(r Record) (hodl.Transaction, error) {
	cols := columns(r.Header)
	get := func(col string) string {
		if name, ok := cols[col]; ok {
			return r.Fields[name]
		}
		return ""
	}
	d, err := g.dateOf(get("date"))
	if err != nil {
		return hodl.Transaction{}, err
	}
	amount, err := number("amount", get("amount"))
	if err != nil {
		return hodl.Transaction{}, err
	}
	var typ hodl.Type
	if s := get("type"); strings.TrimSpace(s) != "" {
		if typ, err = hodl.ParseType(s); err != nil {
			return hodl.Transaction{}, err
		}
	} else if amount.IsNegative() {
		typ = hodl.Sell
	} else {
		typ = hodl.Buy
	}
	values := make(map[string]decimal.Decimal)
	for _, col := range []string{"price", "total", "fee"} {
		if values[col], err = number(col, get(col)); err != nil {
			return hodl.Transaction{}, err
		}
	}
	if values["price"].IsZero() && values["total"].IsZero() {
		return hodl.Transaction{}, fmt.Errorf("missing price and total")
	}
	cur, err := currencyOf(get("currency"), r.Header, g.currency())
	if err != nil {
		return hodl.Transaction{}, err
	}
	tx := hodl.Transaction{
		Type:      typ,
		BTCAmount: amount.Abs(),
		Date:      d,
		Source:    "import",
		Original: hodl.Original{
			Currency:    cur,
			PricePerBTC: values["price"].Abs(),
			TotalCost:   values["total"].Abs(),
			Fee:         values["fee"],
		},
		Notes: get("notes"),
	}
	if err := tx.Validate(); err != nil {
		return hodl.Transaction{}, err
	}
	return tx, nil
}
