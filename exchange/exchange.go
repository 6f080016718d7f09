// Package exchange defines the contract implemented by every remote exchange
// adapter and the plumbing they share.
//
// Adapters live in sub-packages and register themselves in a Registry:
//
//	reg := exchange.NewRegistry()
//	reg.Register("kraken", kraken.New)
//	a, err := reg.New("kraken", exchange.Config{Credentials: vault})
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/shopspring/decimal"
)

// Field describes one credential an adapter needs.
type Field struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Secret bool   `json:"secret"`
}

// Credentials maps Field names to their plaintext values.
type Credentials map[string]string

// Missing returns the names of fields that are empty in c.
func (c Credentials) Missing(fields []Field) []string {
	var res []string
	for _, f := range fields {
		if strings.TrimSpace(c[f.Name]) == "" {
			res = append(res, f.Name)
		}
	}
	return res
}

// Balances maps asset codes (BTC, EUR, ...) to the total held.
type Balances map[string]decimal.Decimal

// Options select the transactions to retrieve.
type Options struct {
	Range date.Range
}

// Batch is the outcome of a Transactions call.
type Batch struct {
	Transactions []hodl.Transaction
	// Rejected are the records received that cannot be converted.
	Rejected []Rejected
}

// Rejected is an exchange record that cannot be converted to a transaction.
type Rejected struct {
	ExternalID string
	Reason     string
	Raw        string // the record as received, JSON encoded
}

// Fetched is the number of records received, rejected ones included.
func (b Batch) Fetched() int { return len(b.Transactions) + len(b.Rejected) }

// Reject records v as rejected because of err.
func (b *Batch) Reject(externalID string, v any, err error) {
	raw, jerr := json.Marshal(v)
	if jerr != nil {
		raw = []byte(fmt.Sprint(v))
	}
	b.Rejected = append(b.Rejected, Rejected{ExternalID: externalID, Reason: err.Error(), Raw: string(raw)})
}

// Adapter is the common access to a remote exchange account.
type Adapter interface {
	// Name is the exchange id.
	Name() string
	// RequiredCredentials lists the credential fields, in display order.
	RequiredCredentials() []Field
	// TestConnection checks credentials that may not be stored yet.
	// It fails with CredentialInvalid when the exchange rejects them.
	TestConnection(ctx context.Context, creds Credentials) error
	// Connect loads the stored credentials and tests them.
	Connect(ctx context.Context) (bool, error)
	// Status is the result of the last Connect or authenticated call.
	Status() bool
	Balances(ctx context.Context) (Balances, error)
	// Transactions returns the bitcoin trades in opts.Range. On failure the
	// batch holds what was received before the error.
	Transactions(ctx context.Context, opts Options) (Batch, error)
}

// CredentialSource provides the stored credentials of an exchange. *vault.Vault implements it.
type CredentialSource interface {
	Credentials(id string) (map[string]string, error)
}

// Config is what a Factory needs to build an Adapter.
type Config struct {
	Credentials CredentialSource
	// BaseURL overrides the exchange API endpoint.
	BaseURL string
	// Client overrides the default HTTP plumbing.
	Client *Client
	Logger *log.Logger
}

// Factory builds an Adapter.
type Factory func(cfg Config) Adapter

// Registry builds adapters by exchange id.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry { return &Registry{factories: make(map[string]Factory)} }

// Register makes an exchange id available.
func (r *Registry) Register(id string, f Factory) { r.factories[strings.ToLower(id)] = f }

// IDs returns the registered exchange ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// New builds the adapter of exchange id. It fails with UnknownExchange.
func (r *Registry) New(id string, cfg Config) (Adapter, error) {
	f, ok := r.factories[strings.ToLower(id)]
	if !ok {
		return nil, hodl.Errorf(hodl.UnknownExchange, "unknown exchange %q, want one of %s", id, strings.Join(r.IDs(), ", "))
	}
	return f(cfg), nil
}

// Session holds the connection state of an adapter: credentials loaded from
// the CredentialSource and the status of the last authenticated call.
// Adapters embed it.
type Session struct {
	id     string
	source CredentialSource
	test   func(ctx context.Context, creds Credentials) error

	mu        sync.Mutex
	creds     Credentials
	connected bool
}

// NewSession returns a Session for exchange id, testing credentials with test.
func NewSession(id string, source CredentialSource, test func(ctx context.Context, creds Credentials) error) *Session {
	return &Session{id: id, source: source, test: test}
}

func (s *Session) load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds != nil {
		return s.creds, nil
	}
	if s.source == nil {
		return nil, hodl.Errorf(hodl.NotConfigured, "no credential source for %s", s.id)
	}
	m, err := s.source.Credentials(s.id)
	if err != nil {
		return nil, err
	}
	s.creds = Credentials(m)
	return s.creds, nil
}

// Connect loads and tests the stored credentials.
func (s *Session) Connect(ctx context.Context) (bool, error) {
	creds, err := s.load()
	if err != nil {
		return false, err
	}
	err = s.test(ctx, creds)
	s.Observe(err)
	if err != nil {
		if hodl.ReasonOf(err) == hodl.CredentialInvalid {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Status reports the result of the last authenticated call.
func (s *Session) Status() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Credentials returns the stored credentials, loading them once.
func (s *Session) Credentials() (Credentials, error) { return s.load() }

// Observe records the outcome of an authenticated call.
func (s *Session) Observe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.connected = true
	case hodl.ReasonOf(err) == hodl.CredentialInvalid:
		s.connected = false
	}
}

// Require fails with CredentialInvalid if a field is missing.
func Require(id string, creds Credentials, fields []Field) error {
	if missing := creds.Missing(fields); len(missing) > 0 {
		return hodl.Errorf(hodl.CredentialInvalid, "missing %s credentials: %s", id, strings.Join(missing, ", "))
	}
	return nil
}

// Finish validates the transactions built by an adapter and keeps those in
// opts.Range. Those that do not validate move to the rejected records.
func Finish(logger *log.Logger, id string, b Batch, opts Options) Batch {
	res := Batch{Transactions: make([]hodl.Transaction, 0, len(b.Transactions)), Rejected: b.Rejected}
	for _, tx := range b.Transactions {
		if err := tx.Validate(); err != nil {
			logger.Warn("rejecting exchange record", "exchange", id, "externalId", tx.ExternalID, "err", err)
			res.Reject(tx.ExternalID, tx, err)
			continue
		}
		if opts.Range.Contains(tx.Date) {
			res.Transactions = append(res.Transactions, tx)
		}
	}
	return res
}

// Amount parses a decimal sent as a JSON string by an exchange.
func Amount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}

// HTTPClient returns cfg.Client, or a new Client allowing one request every interval.
func (cfg Config) HTTPClient(interval time.Duration, burst int) *Client {
	if cfg.Client != nil {
		return cfg.Client
	}
	c := NewClient(interval, burst)
	c.Logger = cfg.Logger
	return c
}

// Log returns cfg.Logger, or the default logger.
func (cfg Config) Log() *log.Logger {
	if cfg.Logger == nil {
		return log.Default()
	}
	return cfg.Logger
}
