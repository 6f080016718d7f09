package fx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"
)

// Table is a set of rates relative to a base currency: Rates[c] units of c buy
// one unit of Base.
type Table struct {
	Base       string
	Rates      map[string]decimal.Decimal
	ObservedAt time.Time
}

// Source provides rate tables.
type Source interface {
	Fetch(ctx context.Context) (Table, error)
}

// StaticSource always returns the same table, observed at the time of the fetch.
type StaticSource Table

func (s StaticSource) Fetch(context.Context) (Table, error) {
	t := Table(s)
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now()
	}
	return t, nil
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (Table, error)

func (f SourceFunc) Fetch(ctx context.Context) (Table, error) { return f(ctx) }

// DefaultURL is the public rate source used when none is configured.
const DefaultURL = "https://api.frankfurter.app/latest?from=USD"

// HTTPSource fetches a JSON document and reads an object of code to rate at Path.
//
//	{
//	  "amount": 1.0,
//	  "base": "USD",
//	  "date": "2024-03-04",
//	  "rates": { "EUR": 0.92, "GBP": 0.79, ... }
//	}
type HTTPSource struct {
	URL    string
	Path   string // JSONPath to the rates object, "$.rates" by default.
	Base   string // base currency of the rates, "USD" by default.
	Client *http.Client
}

func (s HTTPSource) Fetch(ctx context.Context) (Table, error) {
	addr, path, base := s.URL, s.Path, s.Base
	if addr == "" {
		addr = DefaultURL
	}
	if path == "" {
		path = "$.rates"
	}
	if base == "" {
		base = "USD"
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	var jobj any
	if err := jwget(ctx, client, addr, &jobj); err != nil {
		return Table{}, fmt.Errorf("cannot fetch rates: %w", err)
	}
	jval, err := jsonpath.Get(path, jobj)
	if err != nil {
		return Table{}, fmt.Errorf("cannot read rates at %q: %w", path, err)
	}
	// jsonpath may wrap a single answer into a list.
	if jlist, ok := jval.([]any); ok && len(jlist) > 0 {
		jval = jlist[0]
	}
	raw, ok := jval.(map[string]any)
	if !ok {
		return Table{}, fmt.Errorf("cannot read rates at %q: not an object", path)
	}

	t := Table{Base: strings.ToUpper(base), Rates: make(map[string]decimal.Decimal), ObservedAt: time.Now()}
	t.Rates[t.Base] = decimal.NewFromInt(1)
	for code, v := range raw {
		var r decimal.Decimal
		switch x := v.(type) {
		case float64:
			r = decimal.NewFromFloat(x)
		case string:
			if r, err = decimal.NewFromString(x); err != nil {
				continue
			}
		default:
			continue
		}
		if r.IsPositive() {
			t.Rates[strings.ToUpper(code)] = r
		}
	}
	return t, nil
}

// jwget performs an HTTP GET request and unmarshals the JSON response into the provided data structure.
func jwget(ctx context.Context, client *http.Client, addr string, data any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cannot http GET %v%v: %v", resp.Request.URL.Host, resp.Request.URL.Path, resp.Status)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return err
	}
	return json.Unmarshal(buf.Bytes(), data)
}
