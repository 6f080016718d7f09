package kraken

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/etnz/hodl/exchange"
	"github.com/shopspring/decimal"
)

const testSecret = "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="

func TestSign(t *testing.T) {
	secret, _ := base64.StdEncoding.DecodeString(testSecret)
	got := Sign("/0/private/AddOrder", "1616492376594", "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25", secret)
	want := "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
	if got != want {
		t.Errorf("Sign() = %q, want %q", got, want)
	}
}

func TestAsset(t *testing.T) {
	for in, want := range map[string]string{"XXBT": "BTC", "XBT.F": "BTC", "ZEUR": "EUR", "XETH": "ETH", "USDT": "USDT", "DOT": "DOT"} {
		if got := Asset(in); got != want {
			t.Errorf("Asset(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		pair    string
		want    string
		wantErr error
	}{
		{"XXBTZEUR", "EUR", nil},
		{"XBTUSDT", "USD", nil},
		{"XBT/GBP", "GBP", nil},
		{"XETHZEUR", "", ErrNotBitcoin},
		{"XBTDAI", "", hodl.ErrUnsupportedCurrency},
	}
	for _, tt := range tests {
		got, err := Quote(tt.pair)
		if got != tt.want || (tt.wantErr == nil) != (err == nil) || (tt.wantErr != nil && !errors.Is(err, tt.wantErr)) {
			t.Errorf("Quote(%q) = %q, %v, want %q, %v", tt.pair, got, err, tt.want, tt.wantErr)
		}
	}
}

type creds map[string]string

func (c creds) Credentials(string) (map[string]string, error) { return c, nil }

// server fakes the private API, checking signatures. trades are served 50 per page.
func server(t *testing.T, trades map[string]Trade) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler(t, trades))
}

func handler(t *testing.T, trades map[string]Trade) http.Handler {
	t.Helper()
	secret, _ := base64.StdEncoding.DecodeString(testSecret)
	ids := make([]string, 0, len(trades))
	for id := range trades {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		if r.Header.Get("API-Key") != "key" || r.Header.Get("API-Sign") != Sign(r.URL.Path, form.Get("nonce"), string(body), secret) {
			fmt.Fprint(w, `{"error":["EAPI:Invalid key"]}`)
			return
		}
		switch r.URL.Path {
		case "/0/private/Balance":
			fmt.Fprint(w, `{"error":[],"result":{"XXBT":"0.5000000000","XBT.F":"0.1","ZEUR":"120.50","XETH":"0.0000"}}`)
		case "/0/private/TradesHistory":
			ofs, _ := strconv.Atoi(form.Get("ofs"))
			page := map[string]Trade{}
			for i := ofs; i < len(ids) && i < ofs+pageSize; i++ {
				page[ids[i]] = trades[ids[i]]
			}
			writeJSON(w, map[string]any{"error": []string{}, "result": TradesHistory{Trades: page, Count: len(trades)}})
		default:
			http.NotFound(w, r)
		}
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(v)
	w.Write(data)
}

func testAdapter(url string, c creds) exchange.Adapter {
	client := exchange.NewClient(time.Microsecond, 1000)
	client.Logger = log.New(io.Discard)
	return New(exchange.Config{Credentials: c, BaseURL: url, Client: client, Logger: log.New(io.Discard)})
}

func TestAdapter_TestConnection(t *testing.T) {
	srv := server(t, nil)
	defer srv.Close()
	a := testAdapter(srv.URL, nil)

	if err := a.TestConnection(context.Background(), exchange.Credentials{"apiKey": "key", "apiSecret": testSecret}); err != nil {
		t.Errorf("TestConnection() unexpected error = %v", err)
	}
	tests := []exchange.Credentials{
		{"apiKey": "other", "apiSecret": testSecret},
		{"apiKey": "key", "apiSecret": "bm90IHRoZSBzZWNyZXQ="},
		{"apiKey": "key", "apiSecret": "%%% not base64"},
		{"apiKey": "key"},
	}
	for _, c := range tests {
		if err := a.TestConnection(context.Background(), c); !errors.Is(err, hodl.ErrCredentialInvalid) {
			t.Errorf("TestConnection(%v) = %v, want %v", c, err, hodl.CredentialInvalid)
		}
	}
}

func TestAdapter_Balances(t *testing.T) {
	srv := server(t, nil)
	defer srv.Close()
	a := testAdapter(srv.URL, creds{"apiKey": "key", "apiSecret": testSecret})

	b, err := a.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances() unexpected error = %v", err)
	}
	if !b["BTC"].Equal(decimal.RequireFromString("0.6")) || !b["EUR"].Equal(decimal.RequireFromString("120.5")) {
		t.Errorf("Balances() = %v", b)
	}
	if _, ok := b["ETH"]; ok {
		t.Errorf("Balances() kept a zero balance: %v", b)
	}
	if !a.Status() {
		t.Error("Status() = false after a successful call")
	}
}

func TestAdapter_Transactions(t *testing.T) {
	trades := make(map[string]Trade)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	// 120 trades over three pages, one per day, and a few that are not bitcoin.
	for i := 0; i < 120; i++ {
		pair, typ := "XXBTZEUR", "buy"
		switch {
		case i%10 == 0:
			pair = "XETHZEUR"
		case i%7 == 0:
			pair, typ = "XBTUSDT", "sell"
		}
		trades[fmt.Sprintf("T%03d", i)] = Trade{
			OrderTxID: fmt.Sprintf("O%03d", i),
			Pair:      pair,
			Time:      float64(start.AddDate(0, 0, i).Unix()) + 0.5,
			Type:      typ,
			OrderType: "market",
			Price:     "40000.0",
			Cost:      "400.0",
			Fee:       "1.04",
			Vol:       "0.01",
		}
	}
	srv := server(t, trades)
	defer srv.Close()
	a := testAdapter(srv.URL, creds{"apiKey": "key", "apiSecret": testSecret})

	b, err := a.Transactions(context.Background(), exchange.Options{})
	if err != nil {
		t.Fatalf("Transactions() unexpected error = %v", err)
	}
	txs := b.Transactions
	if len(b.Rejected) != 0 {
		t.Errorf("Transactions() rejected %v", b.Rejected)
	}
	if len(txs) != 108 {
		t.Errorf("Transactions() returned %d, want 108 bitcoin trades", len(txs))
	}
	seen := map[string]bool{}
	for _, tx := range txs {
		if seen[tx.ExternalID] {
			t.Errorf("duplicate trade %s", tx.ExternalID)
		}
		seen[tx.ExternalID] = true
		if tx.ID != hodl.ExternalKey(ID, tx.ExternalID) || tx.Source != ID {
			t.Errorf("trade %s has id %s, source %s", tx.ExternalID, tx.ID, tx.Source)
		}
	}
	if tx := find(txs, "T007"); tx == nil || tx.Type != hodl.Sell || tx.Original.Currency != hodl.USD {
		t.Errorf("T007 = %+v, want a USD sell", tx)
	}
	if tx := find(txs, "T001"); tx == nil || tx.Date != date.New(2024, 1, 2) || !tx.Original.Fee.Equal(decimal.RequireFromString("1.04")) {
		t.Errorf("T001 = %+v", tx)
	}

	ranged, err := a.Transactions(context.Background(), exchange.Options{Range: date.Range{From: date.New(2024, 1, 1), To: date.New(2024, 1, 5)}})
	if err != nil {
		t.Fatal(err)
	}
	// T000 is ETH, the range keeps T001 to T004
	if len(ranged.Transactions) != 4 {
		t.Errorf("Transactions(range) returned %d, want 4", len(ranged.Transactions))
	}
}

func bitcoinTrades(n int) map[string]Trade {
	trades := make(map[string]Trade)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		trades[fmt.Sprintf("T%03d", i)] = Trade{
			Pair: "XXBTZEUR", Time: float64(start.AddDate(0, 0, i).Unix()), Type: "buy",
			Price: "40000.0", Cost: "400.0", Fee: "1.04", Vol: "0.01",
		}
	}
	return trades
}

func TestAdapter_Transactions_Rejected(t *testing.T) {
	trades := bitcoinTrades(3)
	bad := trades["T001"]
	bad.Vol = "abc"
	trades["T001"] = bad
	srv := server(t, trades)
	defer srv.Close()
	a := testAdapter(srv.URL, creds{"apiKey": "key", "apiSecret": testSecret})

	b, err := a.Transactions(context.Background(), exchange.Options{})
	if err != nil {
		t.Fatalf("Transactions() unexpected error = %v", err)
	}
	if len(b.Transactions) != 2 || len(b.Rejected) != 1 || b.Fetched() != 3 {
		t.Fatalf("Transactions() = %d transactions, %v rejected, want 2 and T001", len(b.Transactions), b.Rejected)
	}
	if r := b.Rejected[0]; r.ExternalID != "T001" || r.Reason == "" || !bytes.Contains([]byte(r.Raw), []byte(`"abc"`)) {
		t.Errorf("Rejected[0] = %+v", r)
	}
}

func TestAdapter_Transactions_PageFailure(t *testing.T) {
	h := handler(t, bitcoinTrades(80))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		if form, _ := url.ParseQuery(string(body)); form.Get("ofs") != "0" {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		h.ServeHTTP(w, r)
	}))
	defer srv.Close()
	a := testAdapter(srv.URL, creds{"apiKey": "key", "apiSecret": testSecret})

	b, err := a.Transactions(context.Background(), exchange.Options{})
	if !errors.Is(err, hodl.ErrNetworkFailure) {
		t.Errorf("Transactions() error = %v, want %v", err, hodl.NetworkFailure)
	}
	if len(b.Transactions) != pageSize {
		t.Errorf("Transactions() kept %d transactions of the first page, want %d", len(b.Transactions), pageSize)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		errs []string
		want hodl.Reason
	}{
		{[]string{"EAPI:Invalid key"}, hodl.CredentialInvalid},
		{[]string{"EAPI:Invalid signature"}, hodl.CredentialInvalid},
		{[]string{"EGeneral:Permission denied"}, hodl.CredentialInvalid},
		{[]string{"EAPI:Invalid nonce"}, hodl.NetworkFailure},
		{[]string{"EService:Unavailable"}, hodl.NetworkFailure},
	}
	for _, tt := range tests {
		if got := hodl.ReasonOf(apiError(tt.errs)); got != tt.want {
			t.Errorf("apiError(%v) reason = %v, want %v", tt.errs, got, tt.want)
		}
	}
}

func TestAdapter_Connect(t *testing.T) {
	srv := server(t, nil)
	defer srv.Close()
	bad := testAdapter(srv.URL, creds{"apiKey": "wrong", "apiSecret": testSecret})
	if ok, err := bad.Connect(context.Background()); ok || err != nil {
		t.Errorf("Connect() = %v, %v, want false, nil", ok, err)
	}
	good := testAdapter(srv.URL, creds{"apiKey": "key", "apiSecret": testSecret})
	if ok, err := good.Connect(context.Background()); !ok || err != nil {
		t.Errorf("Connect() = %v, %v, want true, nil", ok, err)
	}
}

func find(txs []hodl.Transaction, id string) *hodl.Transaction {
	for i := range txs {
		if txs[i].ExternalID == id {
			return &txs[i]
		}
	}
	return nil
}
