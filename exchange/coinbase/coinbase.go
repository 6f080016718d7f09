// Package coinbase implements the exchange adapter of Coinbase Exchange
// (api.exchange.coinbase.com).
//
// Requests carry CB-ACCESS-KEY, CB-ACCESS-PASSPHRASE, CB-ACCESS-TIMESTAMP and
//
//	CB-ACCESS-SIGN = base64(HMAC-SHA256(base64decode(secret), timestamp + method + requestPath + body))
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/etnz/hodl/exchange"
	"github.com/shopspring/decimal"
)

const (
	ID         = "coinbase"
	DefaultURL = "https://api.exchange.coinbase.com"
)

// DefaultProducts are the bitcoin products whose fills are retrieved.
var DefaultProducts = []string{"BTC-EUR", "BTC-USD", "BTC-GBP"}

var fields = []exchange.Field{
	{Name: "apiKey", Label: "API key"},
	{Name: "apiSecret", Label: "API secret", Secret: true},
	{Name: "passphrase", Label: "Passphrase", Secret: true},
}

// Adapter is the Coinbase Exchange adapter.
type Adapter struct {
	*exchange.Session
	baseURL  string
	client   *exchange.Client
	logger   *log.Logger
	products []string
	now      func() time.Time
}

// New returns a Coinbase adapter. It is an exchange.Factory.
func New(cfg exchange.Config) exchange.Adapter {
	a := &Adapter{
		baseURL:  cfg.BaseURL,
		client:   cfg.HTTPClient(100*time.Millisecond, 5),
		logger:   cfg.Log(),
		products: DefaultProducts,
		now:      time.Now,
	}
	if a.baseURL == "" {
		a.baseURL = DefaultURL
	}
	a.Session = exchange.NewSession(ID, cfg.Credentials, a.TestConnection)
	return a
}

func (a *Adapter) Name() string { return ID }

func (a *Adapter) RequiredCredentials() []exchange.Field { return slices.Clone(fields) }

// TestConnection lists the accounts with creds.
func (a *Adapter) TestConnection(ctx context.Context, creds exchange.Credentials) error {
	var accounts []Account
	_, err := a.get(ctx, creds, "/accounts", nil, &accounts)
	return err
}

// Account is an entry of /accounts.
type Account struct {
	ID        string `json:"id"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
}

// Balances returns the account balances, by currency.
func (a *Adapter) Balances(ctx context.Context) (exchange.Balances, error) {
	creds, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	var accounts []Account
	_, err = a.get(ctx, creds, "/accounts", nil, &accounts)
	a.Observe(err)
	if err != nil {
		return nil, err
	}
	b := make(exchange.Balances)
	for _, acc := range accounts {
		v, err := exchange.Amount("balance", acc.Balance)
		if err != nil {
			return nil, hodl.Errorf(hodl.NetworkFailure, "cannot read coinbase balance: %w", err)
		}
		if !v.IsZero() {
			code := strings.ToUpper(acc.Currency)
			b[code] = b[code].Add(v)
		}
	}
	return b, nil
}

// pageSize is the limit asked for each /fills call.
const pageSize = 100

// Transactions walks /fills of every bitcoin product, following the CB-AFTER cursor.
func (a *Adapter) Transactions(ctx context.Context, opts exchange.Options) (exchange.Batch, error) {
	var b exchange.Batch
	creds, err := a.Credentials()
	if err != nil {
		return b, err
	}
	for _, product := range a.products {
		after := ""
		for {
			q := url.Values{"product_id": {product}, "limit": {strconv.Itoa(pageSize)}}
			if after != "" {
				q.Set("after", after)
			}
			var page []Fill
			header, err := a.get(ctx, creds, "/fills", q, &page)
			a.Observe(err)
			if err != nil {
				return exchange.Finish(a.logger, ID, b, opts), fmt.Errorf("cannot list %s fills: %w", product, err)
			}
			older := false // fills are newest first
			for _, f := range page {
				tx, err := f.Transaction()
				if err != nil {
					a.logger.Warn("rejecting coinbase fill", "trade_id", f.TradeID.String(), "err", err)
					b.Reject(f.ProductID+":"+f.TradeID.String(), f, err)
					continue
				}
				if !opts.Range.From.IsZero() && tx.Date.Before(opts.Range.From) {
					older = true
					continue
				}
				b.Transactions = append(b.Transactions, tx)
			}
			after = header.Get("CB-AFTER")
			if len(page) < pageSize || after == "" || older {
				break
			}
		}
	}
	return exchange.Finish(a.logger, ID, b, opts), nil
}

// get sends a signed GET request, returning the response headers.
func (a *Adapter) get(ctx context.Context, creds exchange.Credentials, path string, query url.Values, out any) (http.Header, error) {
	if err := exchange.Require(ID, creds, fields); err != nil {
		return nil, err
	}
	secret, err := base64.StdEncoding.DecodeString(creds["apiSecret"])
	if err != nil {
		return nil, hodl.Errorf(hodl.CredentialInvalid, "coinbase secret is not base64")
	}
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	return a.client.DoHeader(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+requestPath, nil)
		if err != nil {
			return nil, err
		}
		ts := strconv.FormatInt(a.now().Unix(), 10)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("CB-ACCESS-KEY", creds["apiKey"])
		req.Header.Set("CB-ACCESS-PASSPHRASE", creds["passphrase"])
		req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
		req.Header.Set("CB-ACCESS-SIGN", Sign(secret, ts, http.MethodGet, requestPath, ""))
		return req, nil
	}, out)
}

// Sign computes the CB-ACCESS-SIGN header.
func Sign(secret []byte, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + strings.ToUpper(method) + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Fill is an entry of /fills.
type Fill struct {
	TradeID   json.Number `json:"trade_id"`
	ProductID string      `json:"product_id"`
	OrderID   string      `json:"order_id"`
	CreatedAt string      `json:"created_at"`
	Liquidity string      `json:"liquidity"`
	Price     string      `json:"price"`
	Size      string      `json:"size"`
	Fee       string      `json:"fee"`
	Side      string      `json:"side"`
}

// Quote returns the quote currency of a bitcoin product: BTC-EUR is EUR.
func Quote(product string) (string, error) {
	base, quote, ok := strings.Cut(strings.ToUpper(product), "-")
	if !ok || base != "BTC" {
		return "", fmt.Errorf("not a bitcoin product: %q", product)
	}
	return hodl.ParseCurrency(quote)
}

// Transaction converts the fill into a canonical transaction.
func (f Fill) Transaction() (hodl.Transaction, error) {
	id := f.TradeID.String()
	if id == "" {
		return hodl.Transaction{}, errors.New("missing trade_id")
	}
	cur, err := Quote(f.ProductID)
	if err != nil {
		return hodl.Transaction{}, err
	}
	typ, err := hodl.ParseType(f.Side)
	if err != nil {
		return hodl.Transaction{}, err
	}
	when, err := time.Parse(time.RFC3339Nano, f.CreatedAt)
	if err != nil {
		return hodl.Transaction{}, fmt.Errorf("invalid created_at %q: %w", f.CreatedAt, err)
	}
	var price, size, fee decimal.Decimal
	if price, err = exchange.Amount("price", f.Price); err != nil {
		return hodl.Transaction{}, err
	}
	if size, err = exchange.Amount("size", f.Size); err != nil {
		return hodl.Transaction{}, err
	}
	if fee, err = exchange.Amount("fee", f.Fee); err != nil {
		return hodl.Transaction{}, err
	}
	// the product id is part of the key: trade ids are only unique per product
	external := f.ProductID + ":" + id
	return hodl.Transaction{
		ID:         hodl.ExternalKey(ID, external),
		ExternalID: external,
		Type:       typ,
		BTCAmount:  size,
		Date:       date.Of(when.UTC()),
		Source:     ID,
		Original: hodl.Original{
			Currency:    cur,
			PricePerBTC: price,
			TotalCost:   price.Mul(size),
			Fee:         fee,
		},
		Notes: "coinbase order " + f.OrderID,
	}, nil
}
