package format

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
)

// ledgerLiveHeader is the operations export of Ledger Live. Older versions have no Status column.
var (
	ledgerLiveHeader = []string{
		"Operation Date", "Status", "Currency Ticker", "Operation Type", "Operation Amount", "Operation Fees",
		"Operation Hash", "Account Name", "Account xpub", "Countervalue Ticker",
		"Countervalue at Operation Date", "Countervalue at CSV Export",
	}
	ledgerLiveHeaderNoStatus = []string{
		"Operation Date", "Currency Ticker", "Operation Type", "Operation Amount", "Operation Fees",
		"Operation Hash", "Account Name", "Account xpub", "Countervalue Ticker",
		"Countervalue at Operation Date", "Countervalue at CSV Export",
	}
)

// LedgerLive reads Ledger Live operation exports. IN operations are buys,
// OUT operations are sells, valued at the countervalue of the operation date.
type LedgerLive struct{ Options }

func (LedgerLive) Name() string { return "ledger-live" }
func (LedgerLive) Kind() Kind   { return Rows }

func (LedgerLive) Matches(c Content) bool {
	return hasHeader(c, ledgerLiveHeader, ledgerLiveHeaderNoStatus)
}

func (LedgerLive) Records(c Content) ([]Record, error) { return rows(c) }

func (l LedgerLive) Parse(r Record) (hodl.Transaction, error) {
	f := r.Fields
	if t := strings.ToUpper(f["Currency Ticker"]); t != "BTC" {
		return hodl.Transaction{}, fmt.Errorf("not a bitcoin operation: %q", t)
	}
	if s, ok := f["Status"]; ok && s != "" && !strings.EqualFold(s, "confirmed") {
		return hodl.Transaction{}, fmt.Errorf("operation is %s", s)
	}
	var typ hodl.Type
	switch strings.ToUpper(f["Operation Type"]) {
	case "IN":
		typ = hodl.Buy
	case "OUT":
		typ = hodl.Sell
	default:
		return hodl.Transaction{}, fmt.Errorf("unsupported operation type %q", f["Operation Type"])
	}
	d, err := l.dateOf(f["Operation Date"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	amount, err := number("operation amount", f["Operation Amount"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	feeBTC, err := number("operation fees", f["Operation Fees"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	total, err := number("countervalue", f["Countervalue at Operation Date"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	cur, err := currencyOf(f["Countervalue Ticker"], nil, l.currency())
	if err != nil {
		return hodl.Transaction{}, err
	}
	amount, total = amount.Abs(), total.Abs()
	tx := hodl.Transaction{
		ExternalID: f["Operation Hash"],
		Type:       typ,
		BTCAmount:  amount,
		Date:       d,
		Source:     "ledger-live",
		Original:   hodl.Original{Currency: cur, TotalCost: total},
		Notes:      f["Account Name"],
	}
	if typ == hodl.Sell && amount.IsPositive() {
		// network fees are paid by the sender, in BTC
		tx.Original.Fee = feeBTC.Abs().Mul(total).Div(amount)
	}
	if err := tx.Validate(); err != nil {
		return hodl.Transaction{}, err
	}
	return tx, nil
}

// dateOf reads a record date, defaulting to today.
func (o Options) dateOf(s string) (date.Date, error) {
	if strings.TrimSpace(s) == "" {
		return date.Of(o.now()), nil
	}
	return date.Parse(s)
}

// trezorSuitePrefix is the Trezor Suite transaction export, followed by a
// "Fiat (XXX)" column, named after the fiat currency, and "Other".
var trezorSuitePrefix = []string{
	"Timestamp", "Date", "Time", "Type", "Transaction ID", "Fee", "Fee unit", "Address", "Label", "Amount", "Amount unit",
}

// TrezorSuite reads Trezor Suite transaction exports. RECV transactions are
// buys, SENT transactions are sells.
type TrezorSuite struct{ Options }

func (TrezorSuite) Name() string { return "trezor-suite" }
func (TrezorSuite) Kind() Kind   { return Rows }

func (TrezorSuite) Matches(c Content) bool {
	if c.Kind() != Rows {
		return false
	}
	h, err := header(c)
	if err != nil || len(h) != len(trezorSuitePrefix)+2 {
		return false
	}
	for i, name := range trezorSuitePrefix {
		if h[i] != name {
			return false
		}
	}
	_, ok := fiatColumn(h)
	return ok && h[len(h)-1] == "Other"
}

func (TrezorSuite) Records(c Content) ([]Record, error) { return rows(c) }

// fiatColumn returns the "Fiat (XXX)" column name and its currency.
func fiatColumn(h []string) (string, bool) {
	for _, name := range h {
		code, ok := strings.CutPrefix(name, "Fiat (")
		if !ok {
			continue
		}
		code, ok = strings.CutSuffix(code, ")")
		if ok && code != "" {
			return name, true
		}
	}
	return "", false
}

func (t TrezorSuite) Parse(r Record) (hodl.Transaction, error) {
	f := r.Fields
	var typ hodl.Type
	switch strings.ToUpper(f["Type"]) {
	case "RECV":
		typ = hodl.Buy
	case "SENT":
		typ = hodl.Sell
	default:
		return hodl.Transaction{}, fmt.Errorf("unsupported transaction type %q", f["Type"])
	}
	if u := strings.ToUpper(f["Amount unit"]); u != "" && u != "BTC" {
		return hodl.Transaction{}, fmt.Errorf("not a bitcoin transaction: %q", u)
	}
	d, err := t.trezorDate(f["Timestamp"], f["Date"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	amount, err := number("amount", f["Amount"])
	if err != nil {
		return hodl.Transaction{}, err
	}
	col, ok := fiatColumn(r.Header)
	if !ok {
		return hodl.Transaction{}, errors.New("missing fiat column")
	}
	total, err := number(col, f[col])
	if err != nil {
		return hodl.Transaction{}, err
	}
	cur, err := currencyOf("", []string{col}, t.currency())
	if err != nil {
		return hodl.Transaction{}, err
	}
	amount, total = amount.Abs(), total.Abs()
	tx := hodl.Transaction{
		ExternalID: f["Transaction ID"],
		Type:       typ,
		BTCAmount:  amount,
		Date:       d,
		Source:     "trezor-suite",
		Original:   hodl.Original{Currency: cur, TotalCost: total},
		Notes:      f["Label"],
	}
	if typ == hodl.Sell && amount.IsPositive() && strings.EqualFold(f["Fee unit"], "BTC") {
		feeBTC, err := number("fee", f["Fee"])
		if err != nil {
			return hodl.Transaction{}, err
		}
		tx.Original.Fee = feeBTC.Abs().Mul(total).Div(amount)
	}
	if err := tx.Validate(); err != nil {
		return hodl.Transaction{}, err
	}
	return tx, nil
}

// trezorDate reads the unix timestamp, else the date column, else today.
func (o Options) trezorDate(ts, day string) (date.Date, error) {
	if ts = strings.TrimSpace(ts); ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return date.Date{}, fmt.Errorf("invalid timestamp %q", ts)
		}
		return date.Of(time.Unix(sec, 0).UTC()), nil
	}
	return o.dateOf(day)
}
