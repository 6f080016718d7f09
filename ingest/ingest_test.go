package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/etnz/hodl/exchange"
	"github.com/etnz/hodl/format"
	"github.com/etnz/hodl/fx"
	"github.com/etnz/hodl/ledger"
	"github.com/etnz/hodl/vault"
	"github.com/shopspring/decimal"
)

func quiet() *log.Logger { return log.New(io.Discard) }

func rates() *fx.Service {
	return fx.New(fx.StaticSource{Base: hodl.USD, Rates: map[string]decimal.Decimal{
		hodl.EUR: decimal.RequireFromString("0.9"),
		"GBP":    decimal.RequireFromString("0.8"),
	}}, fx.Options{Logger: quiet()})
}

const twoRows = "date,type,amount,price,currency\n" +
	"2024-01-02,buy,0.1,30000,EUR\n" +
	"2024-01-03,buy,0.2,31000,EUR\n"

func importer(l hodl.Ledger) *Importer {
	return &Importer{
		Formats: format.Default(format.Options{}),
		Rates:   rates(),
		Merger:  NewMerger(l),
		Logger:  quiet(),
	}
}

func list(t *testing.T, l hodl.Ledger) []hodl.Transaction {
	t.Helper()
	txs, err := l.ListTransactions(context.Background(), hodl.Filter{})
	if err != nil {
		t.Fatalf("ListTransactions() unexpected error = %v", err)
	}
	return txs
}

func TestImport(t *testing.T) {
	l := ledger.NewMemory()
	res, err := importer(l).Import(context.Background(), format.Content{Name: "buys.csv", Data: []byte(twoRows)}, ImportOptions{})
	if err != nil {
		t.Fatalf("Import() unexpected error = %v", err)
	}
	if res.Format != "generic-csv" || res.Total != 2 || res.Imported != 2 || res.Skipped() != 0 || res.Phase != Committed || res.Fetched != 2 {
		t.Errorf("Import() = %+v", res)
	}
	txs := list(t, l)
	if len(txs) != 2 {
		t.Fatalf("ledger holds %d transactions, want 2", len(txs))
	}
	for _, tx := range txs {
		if !tx.Converted.EUR.RateUsed.Equal(decimal.NewFromInt(1)) {
			t.Errorf("converted.eur.rateUsed = %v, want 1", tx.Converted.EUR.RateUsed)
		}
		if !tx.Converted.EUR.PricePerBTC.Equal(tx.Original.PricePerBTC) {
			t.Errorf("converted.eur.pricePerBtc = %v, want %v", tx.Converted.EUR.PricePerBTC, tx.Original.PricePerBTC)
		}
		if tx.Converted.USD.RateUsed.IsZero() || tx.Converted.USD.TotalCost.IsZero() || tx.Converted.USD.Estimated {
			t.Errorf("converted.usd = %+v, want a populated conversion", tx.Converted.USD)
		}
		if tx.ID == "" {
			t.Errorf("transaction has no id")
		}
	}
	if txs[0].ID == txs[1].ID {
		t.Errorf("transactions share id %s", txs[0].ID)
	}
}

func TestImport_Reimport(t *testing.T) {
	l := ledger.NewMemory()
	im := importer(l)
	c := format.Content{Name: "buys.csv", Data: []byte(twoRows)}
	ctx := context.Background()
	if _, err := im.Import(ctx, c, ImportOptions{SkipDuplicates: true}); err != nil {
		t.Fatal(err)
	}
	res, err := im.Import(ctx, c, ImportOptions{SkipDuplicates: true})
	if err != nil {
		t.Fatalf("Import() unexpected error = %v", err)
	}
	if res.Imported != 0 || res.Duplicates != 2 || res.Skipped() != 2 {
		t.Errorf("second Import() = %+v, want 0 imported and 2 skipped", res)
	}
	if n := len(list(t, l)); n != 2 {
		t.Errorf("ledger holds %d transactions, want 2", n)
	}

	// without SkipDuplicates the records are appended again
	res, err = im.Import(ctx, c, ImportOptions{})
	if err != nil {
		t.Fatalf("Import() unexpected error = %v", err)
	}
	if res.Imported != 2 || res.Skipped() != 0 {
		t.Errorf("third Import() = %+v, want 2 imported", res)
	}
	if n := len(list(t, l)); n != 4 {
		t.Errorf("ledger holds %d transactions, want 4", n)
	}
}

func TestImport_NativeRoundTrip(t *testing.T) {
	l := ledger.NewMemory()
	im := importer(l)
	ctx := context.Background()
	if _, err := im.Import(ctx, format.Content{Name: "buys.csv", Data: []byte(twoRows)}, ImportOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, export := range []func(io.Writer, []hodl.Transaction) error{hodl.ExportCSV, hodl.ExportJSON} {
		var buf bytes.Buffer
		if err := export(&buf, list(t, l)); err != nil {
			t.Fatal(err)
		}
		res, err := im.Import(ctx, format.Content{Name: "export", Data: buf.Bytes()}, ImportOptions{SkipDuplicates: true})
		if err != nil {
			t.Fatalf("Import() unexpected error = %v", err)
		}
		if res.Imported != 0 || res.Duplicates != 2 || !slices.Contains([]string{"native-csv", "native-json"}, res.Format) {
			t.Errorf("Import(export) = %+v, want 2 duplicates of a native format", res)
		}
	}
}

func TestImport_DetectOnly(t *testing.T) {
	l := ledger.NewMemory()
	res, err := importer(l).Import(context.Background(), format.Content{Name: "buys.csv", Data: []byte(twoRows)}, ImportOptions{DetectOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != "generic-csv" || res.Imported != 0 {
		t.Errorf("Import(DetectOnly) = %+v", res)
	}
	if l.Len() != 0 {
		t.Errorf("Import(DetectOnly) wrote %d transactions", l.Len())
	}
}

func TestImport_Unrecognized(t *testing.T) {
	res, err := importer(ledger.NewMemory()).Import(context.Background(), format.Content{Name: "notes.csv", Data: []byte("foo,bar\n1,2\n")}, ImportOptions{})
	if !errors.Is(err, hodl.ErrUnrecognizedFormat) {
		t.Errorf("Import() = %v, want %v", err, hodl.UnrecognizedFormat)
	}
	if res.Phase != Failed {
		t.Errorf("Import().Phase = %v, want %v", res.Phase, Failed)
	}
}

func TestImport_InvalidRecords(t *testing.T) {
	data := twoRows + "2024-01-04,buy,lots,31000,EUR\n2024-01-05,buy,0.1,31000,XYZ\n"
	l := ledger.NewMemory()
	res, err := importer(l).Import(context.Background(), format.Content{Name: "buys.csv", Data: []byte(data)}, ImportOptions{})
	if err != nil {
		t.Fatalf("Import() unexpected error = %v", err)
	}
	if res.Total != 4 || res.Imported != 2 || res.Invalid != 2 || res.Skipped() != 2 || len(res.Errors) != 2 {
		t.Errorf("Import() = %+v", res)
	}
	if res.Errors[0].Index != 3 || res.Errors[1].Index != 4 {
		t.Errorf("Import().Errors = %+v, want records 3 and 4", res.Errors)
	}
}

func TestImport_LedgerFailure(t *testing.T) {
	l := ledger.NewMemory()
	l.Fail = errors.New("disk full")
	res, err := importer(l).Import(context.Background(), format.Content{Name: "buys.csv", Data: []byte(twoRows)}, ImportOptions{})
	if !errors.Is(err, hodl.ErrLedgerWrite) {
		t.Errorf("Import() = %v, want %v", err, hodl.LedgerWrite)
	}
	if res.Phase != Failed || res.Fetched != 2 || res.Imported != 0 {
		t.Errorf("Import() = %+v, want a failed run reporting 2 fetched", res)
	}
}

func TestImport_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := ledger.NewMemory()
	res, err := importer(l).Import(ctx, format.Content{Name: "buys.csv", Data: []byte(twoRows)}, ImportOptions{})
	if err != nil {
		t.Fatalf("Import() unexpected error = %v", err)
	}
	if !res.Cancelled || res.Imported != 0 || res.Phase != Committed {
		t.Errorf("Import() = %+v, want a truncated run", res)
	}
}

// fake is a scripted exchange.
type fake struct {
	mu       sync.Mutex
	key      string               // accepted api key
	batches  [][]hodl.Transaction // returned by successive Transactions calls
	rejected []exchange.Rejected  // returned by every call
	err      error                // returned with the next batch
	opts     exchange.Options     // of the last Transactions call
}

type fakeAdapter struct {
	*exchange.Session
	id string
	f  *fake
}

func (f *fake) factory(id string) exchange.Factory {
	return func(cfg exchange.Config) exchange.Adapter {
		a := &fakeAdapter{id: id, f: f}
		a.Session = exchange.NewSession(id, cfg.Credentials, a.TestConnection)
		return a
	}
}

func (a *fakeAdapter) Name() string { return a.id }

func (a *fakeAdapter) RequiredCredentials() []exchange.Field {
	return []exchange.Field{{Name: "apiKey", Label: "API key", Secret: true}}
}

func (a *fakeAdapter) TestConnection(ctx context.Context, creds exchange.Credentials) error {
	if creds["apiKey"] != a.f.key {
		return hodl.Errorf(hodl.CredentialInvalid, "invalid key")
	}
	return nil
}

func (a *fakeAdapter) Balances(ctx context.Context) (exchange.Balances, error) {
	return exchange.Balances{"BTC": decimal.NewFromInt(1)}, nil
}

func (a *fakeAdapter) Transactions(ctx context.Context, opts exchange.Options) (exchange.Batch, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	a.f.opts = opts
	b := exchange.Batch{Rejected: a.f.rejected}
	if len(a.f.batches) > 0 {
		b.Transactions = a.f.batches[0]
		a.f.batches = a.f.batches[1:]
	}
	return b, a.f.err
}

func trade(source, id string) hodl.Transaction {
	return hodl.Transaction{
		ID: hodl.ExternalKey(source, id), ExternalID: id, Source: source, Type: hodl.Buy,
		BTCAmount: decimal.RequireFromString("0.01"), Date: date.New(2024, 2, 1),
		Original: hodl.Original{Currency: "GBP", PricePerBTC: decimal.NewFromInt(35000), TotalCost: decimal.NewFromInt(350), Fee: decimal.NewFromInt(1)},
	}
}

type env struct {
	ledger    *ledger.Memory
	vault     *vault.Vault
	exchanges *Exchanges
	syncer    *Syncer
}

func newEnv(t *testing.T, fakes map[string]*fake) env {
	t.Helper()
	v, err := vault.New(vault.NewMemoryStore(), "secret", vault.Options{Logger: quiet()})
	if err != nil {
		t.Fatal(err)
	}
	reg := exchange.NewRegistry()
	for id, f := range fakes {
		reg.Register(id, f.factory(id))
	}
	l := ledger.NewMemory()
	ex := &Exchanges{Registry: reg, Vault: v, Logger: quiet()}
	return env{
		ledger:    l,
		vault:     v,
		exchanges: ex,
		syncer:    &Syncer{Exchanges: ex, Rates: rates(), Merger: NewMerger(l), Logger: quiet()},
	}
}

func TestExchanges_InvalidCredentials(t *testing.T) {
	e := newEnv(t, map[string]*fake{"fake": {key: "good"}})
	ctx := context.Background()

	ok, err := e.exchanges.TestConnection(ctx, "fake", exchange.Credentials{"apiKey": "bad"})
	if ok || err != nil {
		t.Errorf("TestConnection(bad) = %v, %v, want false", ok, err)
	}
	if err := e.exchanges.SaveCredentials(ctx, "fake", exchange.Credentials{"apiKey": "bad"}); !errors.Is(err, hodl.ErrCredentialInvalid) {
		t.Errorf("SaveCredentials(bad) = %v, want %v", err, hodl.CredentialInvalid)
	}
	ids, err := e.exchanges.List()
	if err != nil || slices.Contains(ids, "fake") {
		t.Errorf("List() = %v, %v, want no fake", ids, err)
	}

	if ok, err := e.exchanges.TestConnection(ctx, "fake", exchange.Credentials{"apiKey": "good"}); !ok || err != nil {
		t.Errorf("TestConnection(good) = %v, %v, want true", ok, err)
	}
	if ids, _ := e.exchanges.List(); len(ids) != 0 {
		t.Errorf("TestConnection() stored credentials: %v", ids)
	}
	if err := e.exchanges.SaveCredentials(ctx, "fake", exchange.Credentials{"apiKey": "good", "extra": "dropped"}); err != nil {
		t.Fatalf("SaveCredentials(good) unexpected error = %v", err)
	}
	creds, err := e.vault.Credentials("fake")
	if err != nil || creds["apiKey"] != "good" || creds["extra"] != "" {
		t.Errorf("Credentials() = %v, %v", creds, err)
	}
	if ids, _ := e.exchanges.List(); !slices.Equal(ids, []string{"fake"}) {
		t.Errorf("List() = %v, want [fake]", ids)
	}

	if err := e.exchanges.DeleteCredentials("fake"); err != nil {
		t.Fatal(err)
	}
	if ids, _ := e.exchanges.List(); len(ids) != 0 {
		t.Errorf("List() after delete = %v", ids)
	}
	if _, err := e.exchanges.TestConnection(ctx, "nowhere", nil); !errors.Is(err, hodl.ErrUnknownExchange) {
		t.Errorf("TestConnection(nowhere) = %v, want %v", err, hodl.UnknownExchange)
	}
}

func TestSync(t *testing.T) {
	f := &fake{key: "good", batches: [][]hodl.Transaction{
		{trade("fake", "T1")},
		{trade("fake", "T1"), trade("fake", "T2"), trade("fake", "T3")},
	}}
	e := newEnv(t, map[string]*fake{"fake": f})
	if err := e.vault.Save("fake", map[string]string{"apiKey": "good"}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	res, err := e.syncer.Sync(ctx, "fake", SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() unexpected error = %v", err)
	}
	if res.Imported != 1 || res.Format != "fake" || res.Phase != Committed {
		t.Errorf("first Sync() = %+v", res)
	}
	res, err = e.syncer.Sync(ctx, "fake", SyncOptions{StartDate: "2024-01-02", EndDate: "soon"})
	if err != nil {
		t.Fatalf("Sync() unexpected error = %v", err)
	}
	if res.Total != 3 || res.Imported != 2 || res.Skipped() != 1 || res.Duplicates != 1 {
		t.Errorf("second Sync() = %+v, want 2 imported and 1 skipped", res)
	}
	if f.opts.Range.From != date.New(2024, 1, 2) || !f.opts.Range.To.IsZero() {
		t.Errorf("Sync() passed range %v, want the invalid end dropped", f.opts.Range)
	}
	txs := list(t, e.ledger)
	if len(txs) != 3 {
		t.Fatalf("ledger holds %d transactions, want 3", len(txs))
	}
	for _, tx := range txs {
		if !tx.IsConverted() || tx.Converted.EUR.RateUsed.Equal(decimal.NewFromInt(1)) {
			t.Errorf("converted = %+v, want a GBP conversion", tx.Converted)
		}
	}
}

func TestSync_WithinBatch(t *testing.T) {
	f := &fake{key: "good", batches: [][]hodl.Transaction{{trade("fake", "T1"), trade("fake", "T1")}}}
	e := newEnv(t, map[string]*fake{"fake": f})
	e.vault.Save("fake", map[string]string{"apiKey": "good"})
	res, err := e.syncer.Sync(context.Background(), "fake", SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() unexpected error = %v", err)
	}
	if res.Imported != 1 || res.Duplicates != 1 {
		t.Errorf("Sync() = %+v, want the repeated trade skipped", res)
	}
}

func TestSync_Failures(t *testing.T) {
	f := &fake{key: "good"}
	e := newEnv(t, map[string]*fake{"fake": f})
	ctx := context.Background()

	if _, err := e.syncer.Sync(ctx, "fake", SyncOptions{}); !errors.Is(err, hodl.ErrNotConfigured) {
		t.Errorf("Sync(unconfigured) = %v, want %v", err, hodl.NotConfigured)
	}
	if _, err := e.syncer.Sync(ctx, "nowhere", SyncOptions{}); !errors.Is(err, hodl.ErrUnknownExchange) {
		t.Errorf("Sync(nowhere) = %v, want %v", err, hodl.UnknownExchange)
	}

	e.vault.Save("fake", map[string]string{"apiKey": "good"})
	f.err = hodl.Errorf(hodl.NetworkFailure, "connection reset")
	res, err := e.syncer.Sync(ctx, "fake", SyncOptions{})
	if !errors.Is(err, hodl.ErrNetworkFailure) || res.Phase != Failed {
		t.Errorf("Sync() = %+v, %v, want a failed run", res, err)
	}
}

func TestSync_Rejected(t *testing.T) {
	f := &fake{
		key:      "good",
		batches:  [][]hodl.Transaction{{trade("fake", "T1"), trade("fake", "T2")}},
		rejected: []exchange.Rejected{{ExternalID: "T3", Reason: `invalid vol "abc"`, Raw: `{"vol":"abc"}`}},
	}
	e := newEnv(t, map[string]*fake{"fake": f})
	e.vault.Save("fake", map[string]string{"apiKey": "good"})
	res, err := e.syncer.Sync(context.Background(), "fake", SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() unexpected error = %v", err)
	}
	if res.Fetched != 3 || res.Total != 3 || res.Imported != 2 || res.Invalid != 1 || res.Skipped() != 1 {
		t.Errorf("Sync() = %+v, want 3 fetched, 2 imported and 1 invalid", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].Index != 3 || res.Errors[0].Raw != `{"vol":"abc"}` {
		t.Errorf("Sync() errors = %v, want the rejected trade", res.Errors)
	}
}

func TestSync_PartialFetch(t *testing.T) {
	f := &fake{
		key:      "good",
		batches:  [][]hodl.Transaction{{trade("fake", "T1"), trade("fake", "T2")}},
		rejected: []exchange.Rejected{{ExternalID: "T3", Reason: "missing time"}},
		err:      hodl.Errorf(hodl.NetworkFailure, "second page: 500 Internal Server Error"),
	}
	e := newEnv(t, map[string]*fake{"fake": f})
	e.vault.Save("fake", map[string]string{"apiKey": "good"})
	res, err := e.syncer.Sync(context.Background(), "fake", SyncOptions{})
	if !errors.Is(err, hodl.ErrNetworkFailure) {
		t.Fatalf("Sync() error = %v, want %v", err, hodl.NetworkFailure)
	}
	if res.Phase != Failed || res.Fetched != 3 || res.Invalid != 1 || res.Imported != 0 {
		t.Errorf("Sync() = %+v, want a failed run reporting 3 fetched", res)
	}
	if n := e.ledger.Len(); n != 0 {
		t.Errorf("ledger holds %d transactions, want none of a failed sync", n)
	}
}

func TestResult_JSON(t *testing.T) {
	data, err := json.Marshal(Result{Format: "generic-csv", Total: 2, Duplicates: 2})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["detectedFormat"] != "generic-csv" || got["skipped"] != float64(2) || got["imported"] != float64(0) {
		t.Errorf("Marshal(Result) = %s", data)
	}
	if errs, ok := got["errors"].([]any); !ok || len(errs) != 0 {
		t.Errorf("Marshal(Result) errors = %v, want []", got["errors"])
	}
	if _, ok := got["format"]; ok {
		t.Errorf("Marshal(Result) = %s, has a format key", data)
	}
}

func TestSync_MergeConflict(t *testing.T) {
	f := &fake{key: "good", batches: [][]hodl.Transaction{{trade("fake", "T8"), trade("fake", "T9")}}}
	e := newEnv(t, map[string]*fake{"fake": f})
	e.vault.Save("fake", map[string]string{"apiKey": "good"})
	// a transaction holding the id of T9 under another key
	clash := trade("fake", "T9")
	clash.ExternalID, clash.Source = "", "import"
	if err := e.ledger.AppendTransactions(context.Background(), []hodl.Transaction{clash}); err != nil {
		t.Fatal(err)
	}
	res, err := e.syncer.Sync(context.Background(), "fake", SyncOptions{})
	if !errors.Is(err, hodl.ErrMergeConflict) {
		t.Errorf("Sync() = %v, want %v", err, hodl.MergeConflict)
	}
	if res.Phase != Failed || res.Fetched != 2 {
		t.Errorf("Sync() = %+v", res)
	}
	if n := e.ledger.Len(); n != 1 {
		t.Errorf("ledger holds %d transactions, want nothing of the conflicting batch", n)
	}
}

func TestSyncAll(t *testing.T) {
	a := &fake{key: "a", batches: [][]hodl.Transaction{{trade("alpha", "1"), trade("alpha", "2")}}}
	b := &fake{key: "b", batches: [][]hodl.Transaction{{trade("beta", "1")}}}
	c := &fake{key: "c", batches: [][]hodl.Transaction{{trade("gamma", "1")}}}
	e := newEnv(t, map[string]*fake{"alpha": a, "beta": b, "gamma": c})
	e.vault.Save("alpha", map[string]string{"apiKey": "a"})
	e.vault.Save("beta", map[string]string{"apiKey": "b"})

	results, err := e.syncer.SyncAll(context.Background(), SyncOptions{})
	if err != nil {
		t.Fatalf("SyncAll() unexpected error = %v", err)
	}
	if len(results) != 2 || results[0].Format != "alpha" || results[0].Imported != 2 || results[1].Format != "beta" || results[1].Imported != 1 {
		t.Errorf("SyncAll() = %+v", results)
	}
	if n := e.ledger.Len(); n != 3 {
		t.Errorf("ledger holds %d transactions, want 3", n)
	}
}

func TestExchanges_Balances(t *testing.T) {
	e := newEnv(t, map[string]*fake{"fake": {key: "good"}})
	if _, err := e.exchanges.Balances(context.Background(), "fake"); !errors.Is(err, hodl.ErrNotConfigured) {
		t.Errorf("Balances(unconfigured) = %v, want %v", err, hodl.NotConfigured)
	}
	e.vault.Save("fake", map[string]string{"apiKey": "good"})
	b, err := e.exchanges.Balances(context.Background(), "fake")
	if err != nil || !b["BTC"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("Balances() = %v, %v", b, err)
	}
	accounts, err := e.exchanges.Available()
	if err != nil || len(accounts) != 1 || !accounts[0].Configured || len(accounts[0].Credentials) != 1 {
		t.Errorf("Available() = %+v, %v", accounts, err)
	}
}
