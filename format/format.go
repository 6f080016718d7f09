// Package format recognizes and parses transaction files.
//
// A Variant is one record layout (a wallet CSV export, an exchange JSON
// payload, ...). The Registry tries every Variant in priority order, the most
// specific signature first, and the first that matches the content is used.
// The file name extension only selects between the two families: row based
// content (CSV) and payload based content (JSON).
//
// Records that cannot be parsed are reported one by one as ParseError; they
// never abort the rest of the file.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/etnz/hodl"
)

// Kind is the family of a content.
type Kind int

const (
	Rows    Kind = iota // delimited text, one record per row
	Payload             // structured JSON document
)

func (k Kind) String() string {
	if k == Payload {
		return "payload"
	}
	return "rows"
}

// Content is a file to import.
type Content struct {
	Name string // file name, only its extension is used
	Data []byte
}

var bom = []byte("\xef\xbb\xbf")

// Body returns the data without a leading UTF-8 byte order mark.
func (c Content) Body() []byte { return bytes.TrimPrefix(c.Data, bom) }

// Kind selects the family of c from its name, or its first character.
func (c Content) Kind() Kind {
	switch strings.ToLower(filepath.Ext(c.Name)) {
	case ".json":
		return Payload
	case ".csv", ".txt", ".tsv":
		return Rows
	}
	trimmed := bytes.TrimSpace(c.Body())
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return Payload
	}
	return Rows
}

// Record is one raw record of a content.
type Record struct {
	Index int // 1-based position in the content
	// Header and Fields hold the columns of row records.
	Header []string
	Fields map[string]string
	// Payload holds the JSON object of payload records.
	Payload json.RawMessage
	// Raw is the record as it appears in the content, for error reports.
	Raw string
}

// Variant is one supported record layout.
type Variant interface {
	Name() string
	Kind() Kind
	// Matches reports whether c has the signature of this layout.
	Matches(c Content) bool
	// Records splits c into raw records.
	Records(c Content) ([]Record, error)
	// Parse converts one record. The transaction is validated, its ID is left to the caller.
	Parse(r Record) (hodl.Transaction, error)
}

// ParseError is the failure to parse one record.
type ParseError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Raw    string `json:"raw"`
}

func (e *ParseError) Error() string { return fmt.Sprintf("record %d: %s", e.Index, e.Reason) }

// Is matches hodl.ErrRecordParse.
func (e *ParseError) Is(target error) bool { return hodl.ErrRecordParse.Is(target) }

// Fail returns the ParseError of r for err.
func Fail(r Record, err error) *ParseError {
	return &ParseError{Index: r.Index, Reason: err.Error(), Raw: r.Raw}
}

// Options configure the defaults applied by the variants.
type Options struct {
	// Currency is used when a record declares no currency, EUR by default.
	Currency string
	// Now gives the date of records without one, time.Now by default.
	Now func() time.Time
}

func (o Options) currency() string {
	if c, err := hodl.ParseCurrency(o.Currency); err == nil {
		return c
	}
	return hodl.EUR
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// Registry holds the variants in priority order.
type Registry struct {
	variants []Variant
}

// NewRegistry returns a registry trying variants in the given order.
func NewRegistry(variants ...Variant) *Registry { return &Registry{variants: variants} }

// Default returns a registry with every supported variant.
func Default(opts Options) *Registry {
	return NewRegistry(
		NativeCSV{},
		LedgerLive{opts},
		TrezorSuite{opts},
		GenericCSV{opts},
		NativeJSON{},
		KrakenTrades{},
		CoinbaseFills{},
		BinanceTrades{},
	)
}

// Names returns the names of the variants, in priority order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.variants))
	for i, v := range r.variants {
		names[i] = v.Name()
	}
	return names
}

// Lookup returns the variant called name.
func (r *Registry) Lookup(name string) (Variant, bool) {
	for _, v := range r.variants {
		if v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

// Detect returns the first variant of the content family that matches c.
// It fails with UnrecognizedFormat naming the variants tried.
func (r *Registry) Detect(c Content) (Variant, error) {
	kind := c.Kind()
	var tried []string
	for _, v := range r.variants {
		if v.Kind() != kind {
			continue
		}
		tried = append(tried, v.Name())
		if v.Matches(c) {
			return v, nil
		}
	}
	return nil, hodl.Errorf(hodl.UnrecognizedFormat, "unrecognized %s format in %q, tried %s", kind, c.Name, strings.Join(tried, ", "))
}

// ParseAll parses every record with v. Failures are collected, not raised.
func ParseAll(v Variant, records []Record) ([]hodl.Transaction, []*ParseError) {
	var txs []hodl.Transaction
	var errs []*ParseError
	for _, r := range records {
		tx, err := v.Parse(r)
		if err != nil {
			errs = append(errs, Fail(r, err))
			continue
		}
		txs = append(txs, tx)
	}
	return txs, errs
}
