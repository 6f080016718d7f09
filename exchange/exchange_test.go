package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/shopspring/decimal"
)

func testClient() *Client {
	c := NewClient(time.Millisecond, 100)
	c.Backoff = time.Millisecond
	c.Logger = log.New(io.Discard)
	return c
}

func get(url string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func post(url string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	}
}

func TestClient_Do(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int // one per attempt, the last repeats
		build      func(string) func(context.Context) (*http.Request, error)
		wantReason hodl.Reason // empty for success
		wantCalls  int32
	}{
		{name: "ok", statuses: []int{200}, build: get, wantCalls: 1},
		{name: "get retried on 5xx", statuses: []int{502, 503, 200}, build: get, wantCalls: 3},
		{name: "get gives up", statuses: []int{500}, build: get, wantReason: hodl.NetworkFailure, wantCalls: 4},
		{name: "post not retried", statuses: []int{500, 200}, build: post, wantReason: hodl.NetworkFailure, wantCalls: 1},
		{name: "unauthorized", statuses: []int{401}, build: get, wantReason: hodl.CredentialInvalid, wantCalls: 1},
		{name: "forbidden", statuses: []int{403}, build: get, wantReason: hodl.CredentialInvalid, wantCalls: 1},
		{name: "bad request not retried", statuses: []int{400}, build: get, wantReason: hodl.NetworkFailure, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tt.statuses[min(n, len(tt.statuses)-1)]
				w.WriteHeader(status)
				w.Write([]byte(`{"ok":true}`))
			}))
			defer srv.Close()

			var out struct{ OK bool }
			err := testClient().Do(context.Background(), tt.build(srv.URL), &out)
			if tt.wantReason == "" {
				if err != nil || !out.OK {
					t.Errorf("Do() = %v, %v, want success", out, err)
				}
			} else if got := hodl.ReasonOf(err); got != tt.wantReason {
				t.Errorf("Do() reason = %v (%v), want %v", got, err, tt.wantReason)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("Do() sent %d requests, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestClient_HTTPErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1022,"msg":"Signature for this request is not valid."}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	err := testClient().Do(context.Background(), get(srv.URL), nil)
	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("Do() error = %v, want an *HTTPError in the chain", err)
	}
	if herr.Status != 400 {
		t.Errorf("HTTPError.Status = %d, want 400", herr.Status)
	}
}

func TestClient_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := testClient().Do(ctx, get(srv.URL), nil); hodl.ReasonOf(err) != hodl.NetworkFailure {
		t.Errorf("Do() on cancelled context = %v, want %v", err, hodl.NetworkFailure)
	}
}

type fakeSource map[string]map[string]string

func (f fakeSource) Credentials(id string) (map[string]string, error) {
	c, ok := f[id]
	if !ok {
		return nil, hodl.Errorf(hodl.NotConfigured, "%s not configured", id)
	}
	return c, nil
}

func TestSession(t *testing.T) {
	src := fakeSource{"good": {"apiKey": "ok"}, "bad": {"apiKey": "nope"}}
	test := func(ctx context.Context, creds Credentials) error {
		if creds["apiKey"] != "ok" {
			return hodl.Errorf(hodl.CredentialInvalid, "rejected")
		}
		return nil
	}

	s := NewSession("good", src, test)
	if s.Status() {
		t.Error("Status() before Connect = true")
	}
	if ok, err := s.Connect(context.Background()); !ok || err != nil {
		t.Errorf("Connect() = %v, %v, want true", ok, err)
	}
	if !s.Status() {
		t.Error("Status() after Connect = false")
	}

	s = NewSession("bad", src, test)
	if ok, err := s.Connect(context.Background()); ok || err != nil {
		t.Errorf("Connect() = %v, %v, want false, nil", ok, err)
	}

	s = NewSession("missing", src, test)
	if _, err := s.Connect(context.Background()); !errors.Is(err, hodl.ErrNotConfigured) {
		t.Errorf("Connect() error = %v, want %v", err, hodl.NotConfigured)
	}
}

type nopAdapter struct{ *Session }

func (nopAdapter) Name() string                                      { return "nop" }
func (nopAdapter) RequiredCredentials() []Field                      { return nil }
func (nopAdapter) TestConnection(context.Context, Credentials) error { return nil }
func (nopAdapter) Balances(context.Context) (Balances, error)        { return nil, nil }
func (nopAdapter) Transactions(context.Context, Options) (Batch, error) {
	return Batch{}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("Nop", func(cfg Config) Adapter { return nopAdapter{} })
	if _, err := r.New("NOP", Config{}); err != nil {
		t.Errorf("New(NOP) unexpected error = %v", err)
	}
	if _, err := r.New("ftx", Config{}); !errors.Is(err, hodl.ErrUnknownExchange) {
		t.Errorf("New(ftx) error = %v, want %v", err, hodl.UnknownExchange)
	}
	if ids := r.IDs(); len(ids) != 1 || ids[0] != "nop" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestFinish(t *testing.T) {
	one := decimal.NewFromInt(1)
	txs := []hodl.Transaction{
		{ExternalID: "a", Type: hodl.Buy, BTCAmount: one, Date: date.New(2024, 1, 5), Original: hodl.Original{Currency: "EUR", PricePerBTC: one}},
		{ExternalID: "b", Type: hodl.Buy, BTCAmount: one, Date: date.New(2024, 2, 5), Original: hodl.Original{Currency: "EUR", PricePerBTC: one}},
		{ExternalID: "c", Type: hodl.Buy, BTCAmount: one, Date: date.New(2024, 1, 6), Original: hodl.Original{Currency: "BNB"}},
	}
	in := Batch{Transactions: txs, Rejected: []Rejected{{ExternalID: "z", Reason: "invalid vol"}}}
	got := Finish(log.New(io.Discard), "x", in, Options{Range: date.Range{To: date.New(2024, 1, 31)}})
	if len(got.Transactions) != 1 || got.Transactions[0].ExternalID != "a" {
		t.Fatalf("Finish() = %v, want only a", got.Transactions)
	}
	if !got.Transactions[0].Original.TotalCost.Equal(one) {
		t.Errorf("Finish() must validate, total = %v", got.Transactions[0].Original.TotalCost)
	}
	// b is out of range, c does not validate
	if len(got.Rejected) != 2 || got.Rejected[0].ExternalID != "z" || got.Rejected[1].ExternalID != "c" {
		t.Errorf("Finish() rejected = %v, want z and c", got.Rejected)
	}
	if !strings.Contains(got.Rejected[1].Raw, "BNB") {
		t.Errorf("Finish() rejected raw = %q, want the record", got.Rejected[1].Raw)
	}
}

func TestBatch_Reject(t *testing.T) {
	var b Batch
	b.Reject("T1", map[string]string{"vol": "abc"}, errors.New(`invalid vol "abc"`))
	if b.Fetched() != 1 || b.Rejected[0].Raw != `{"vol":"abc"}` || b.Rejected[0].Reason != `invalid vol "abc"` {
		t.Errorf("Reject() = %+v", b.Rejected)
	}
}

func TestCredentials_Missing(t *testing.T) {
	fields := []Field{{Name: "apiKey"}, {Name: "apiSecret", Secret: true}}
	err := Require("kraken", Credentials{"apiKey": "k", "apiSecret": " "}, fields)
	if !errors.Is(err, hodl.ErrCredentialInvalid) {
		t.Errorf("Require() = %v, want %v", err, hodl.CredentialInvalid)
	}
	if err := Require("kraken", Credentials{"apiKey": "k", "apiSecret": "s"}, fields); err != nil {
		t.Errorf("Require() = %v", err)
	}
}
