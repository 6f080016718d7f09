package fx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testTable is a realistic USD based table.
var testTable = Table{
	Base: "USD",
	Rates: map[string]decimal.Decimal{
		"USD": dec("1"),
		"EUR": dec("0.9217"),
		"GBP": dec("0.7893"),
		"CHF": dec("0.8834"),
		"CAD": dec("1.3561"),
		"AUD": dec("1.5302"),
		"JPY": dec("149.87"),
	},
}

// clock is a settable time source.
type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

// countingSource counts fetches and fails on demand.
type countingSource struct {
	table Table
	calls int
	fail  bool
}

func (c *countingSource) Fetch(context.Context) (Table, error) {
	c.calls++
	if c.fail {
		return Table{}, errors.New("source down")
	}
	return c.table, nil
}

func TestService_RoundTrip(t *testing.T) {
	s := New(StaticSource(testTable), Options{})
	ctx := context.Background()
	x := dec("12345.6789")
	for _, a := range hodl.Currencies {
		for _, b := range hodl.Currencies {
			t.Run(a+"_"+b, func(t *testing.T) {
				y, err := s.Convert(ctx, x, a, b)
				if err != nil {
					t.Fatalf("Convert() unexpected error = %v", err)
				}
				z, err := s.Convert(ctx, y, b, a)
				if err != nil {
					t.Fatalf("Convert() unexpected error = %v", err)
				}
				rel := z.Sub(x).Abs().Div(x)
				if rel.GreaterThan(dec("1e-9")) {
					t.Errorf("Convert(Convert(%v, %s, %s), %s, %s) = %v, relative error %v", x, a, b, b, a, z, rel)
				}
			})
		}
	}
}

func TestService_Rate(t *testing.T) {
	s := New(StaticSource(testTable), Options{})
	ctx := context.Background()

	r, err := s.Rate(ctx, "EUR", "EUR")
	if err != nil || !r.Value.Equal(one) || r.Estimated {
		t.Errorf("Rate(EUR, EUR) = %v, %v, want exact identity", r, err)
	}

	r, err = s.Rate(ctx, "USD", "EUR")
	if err != nil {
		t.Fatalf("Rate(USD, EUR) unexpected error = %v", err)
	}
	if !r.Value.Equal(dec("0.9217")) {
		t.Errorf("Rate(USD, EUR) = %v, want 0.9217", r.Value)
	}

	if _, err := s.Rate(ctx, "EUR", "XAU"); !errors.Is(err, hodl.ErrUnsupportedCurrency) {
		t.Errorf("Rate(EUR, XAU) error = %v, want %v", err, hodl.UnsupportedCurrency)
	}
}

func TestService_Freshness(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	src := &countingSource{table: testTable}
	s := New(SourceFunc(func(ctx context.Context) (Table, error) {
		tb, err := src.Fetch(ctx)
		tb.ObservedAt = c.Now()
		return tb, err
	}), Options{Now: c.Now})
	ctx := context.Background()

	if _, err := s.Rate(ctx, "USD", "EUR"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Rate(ctx, "EUR", "GBP"); err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("fresh table fetched %d times, want 1", src.calls)
	}

	c.t = c.t.Add(59 * time.Minute)
	s.Rate(ctx, "USD", "EUR")
	if src.calls != 1 {
		t.Errorf("table within freshness window fetched %d times, want 1", src.calls)
	}

	c.t = c.t.Add(2 * time.Minute)
	s.Rate(ctx, "USD", "EUR")
	if src.calls != 2 {
		t.Errorf("stale table fetched %d times, want 2", src.calls)
	}
}

func TestService_Fallback(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	src := &countingSource{table: testTable}
	s := New(SourceFunc(func(ctx context.Context) (Table, error) {
		tb, err := src.Fetch(ctx)
		tb.ObservedAt = c.Now()
		return tb, err
	}), Options{Now: c.Now})
	ctx := context.Background()

	// no rate ever fetched: identity, flagged.
	src.fail = true
	r, err := s.Rate(ctx, "USD", "EUR")
	if err != nil {
		t.Fatalf("Rate() must not fail on source failure, got %v", err)
	}
	if !r.Value.Equal(one) || !r.Estimated {
		t.Errorf("Rate() = %v, want estimated identity", r)
	}

	// source back: real rate.
	src.fail = false
	if err := s.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	r, _ = s.Rate(ctx, "USD", "EUR")
	if !r.Value.Equal(dec("0.9217")) || r.Estimated {
		t.Errorf("Rate() = %v, want 0.9217", r)
	}

	// stale and source down again: previous rate.
	src.fail = true
	c.t = c.t.Add(3 * time.Hour)
	r, err = s.Rate(ctx, "USD", "EUR")
	if err != nil {
		t.Fatalf("Rate() unexpected error = %v", err)
	}
	if !r.Value.Equal(dec("0.9217")) || r.Estimated {
		t.Errorf("Rate() = %v, want the previous 0.9217", r)
	}
}

func TestService_RefreshTimeout(t *testing.T) {
	block := SourceFunc(func(ctx context.Context) (Table, error) {
		<-ctx.Done()
		return Table{}, ctx.Err()
	})
	s := New(block, Options{Timeout: 20 * time.Millisecond})
	start := time.Now()
	r, err := s.Rate(context.Background(), "USD", "EUR")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Estimated {
		t.Errorf("Rate() = %v, want estimated identity", r)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Rate() blocked for %v", time.Since(start))
	}
}

func TestConvertTriple(t *testing.T) {
	s := New(StaticSource(testTable), Options{})
	got, r, err := s.ConvertTriple(context.Background(), Triple{Price: dec("30000"), Cost: dec("3000"), Fee: dec("10")}, "USD", "EUR")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Value.Equal(dec("0.9217")) {
		t.Errorf("ConvertTriple() rate = %v", r.Value)
	}
	want := Triple{Price: dec("27651"), Cost: dec("2765.1"), Fee: dec("9.217")}
	if !got.Price.Equal(want.Price) || !got.Cost.Equal(want.Cost) || !got.Fee.Equal(want.Fee) {
		t.Errorf("ConvertTriple() = %v, want %v", got, want)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"amount":1.0,"base":"USD","date":"2024-03-04","rates":{"EUR":0.9217,"GBP":"0.7893","JPY":149.87,"BAD":-1}}`)
	}))
	defer srv.Close()

	table, err := HTTPSource{URL: srv.URL}.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() unexpected error = %v", err)
	}
	if table.Base != "USD" || !table.Rates["USD"].Equal(one) {
		t.Errorf("Fetch() base = %v, %v", table.Base, table.Rates["USD"])
	}
	if !table.Rates["EUR"].Equal(dec("0.9217")) || !table.Rates["GBP"].Equal(dec("0.7893")) {
		t.Errorf("Fetch() rates = %v", table.Rates)
	}
	if _, ok := table.Rates["BAD"]; ok {
		t.Error("Fetch() kept a negative rate")
	}
}

func TestHTTPSource_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if _, err := (HTTPSource{URL: srv.URL}).Fetch(context.Background()); err == nil {
		t.Error("Fetch() expected error on 503")
	}
}

func TestNormalizer(t *testing.T) {
	s := New(StaticSource(testTable), Options{})
	n := Normalizer{Rates: s}
	ctx := context.Background()

	tx := hodl.Transaction{
		Type: hodl.Buy, BTCAmount: dec("0.1"), Date: date.New(2024, 3, 4),
		Original: hodl.Original{Currency: "EUR", PricePerBTC: dec("30000"), TotalCost: dec("3000"), Fee: dec("5")},
	}
	if err := n.Normalize(ctx, &tx); err != nil {
		t.Fatal(err)
	}
	if !tx.Converted.EUR.RateUsed.Equal(one) || !tx.Converted.EUR.TotalCost.Equal(dec("3000")) {
		t.Errorf("EUR conversion = %+v, want identity", tx.Converted.EUR)
	}
	if tx.Converted.USD.RateUsed.IsZero() || tx.Converted.USD.TotalCost.IsZero() {
		t.Errorf("USD conversion = %+v, want populated", tx.Converted.USD)
	}

	// fee in another currency than the price.
	tx = hodl.Transaction{
		Type: hodl.Buy, BTCAmount: dec("0.1"), Date: date.New(2024, 3, 4),
		Original: hodl.Original{Currency: "EUR", PricePerBTC: dec("30000"), TotalCost: dec("3000"), Fee: dec("10"), FeeCurrency: "USD"},
	}
	if err := n.Normalize(ctx, &tx); err != nil {
		t.Fatal(err)
	}
	if !tx.Converted.USD.Fee.Equal(dec("10")) {
		t.Errorf("USD fee = %v, want 10 (declared in USD)", tx.Converted.USD.Fee)
	}
	if !tx.Converted.EUR.Fee.Equal(dec("9.217")) {
		t.Errorf("EUR fee = %v, want 9.217", tx.Converted.EUR.Fee)
	}
}
