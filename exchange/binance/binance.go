// Package binance implements the exchange adapter of Binance (api.binance.com).
//
// Signed endpoints take a timestamp parameter and
//
//	signature = hex(HMAC-SHA256(secret, query))
//
// with the API key in the X-MBX-APIKEY header.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	ID         = "binance"
	DefaultURL = "https://api.binance.com"
)

// DefaultSymbols are the bitcoin symbols whose trades are retrieved.
var DefaultSymbols = []string{"BTCEUR", "BTCUSDT", "BTCUSDC", "BTCGBP"}

var fields = []exchange.Field{
	{Name: "apiKey", Label: "API key"},
	{Name: "apiSecret", Label: "Secret key", Secret: true},
}

// Adapter is the Binance exchange adapter.
type Adapter struct {
	*exchange.Session
	baseURL string
	client  *exchange.Client
	logger  *log.Logger
	symbols []string
	now     func() time.Time
}

// New returns a Binance adapter. It is an exchange.Factory.
func New(cfg exchange.Config) exchange.Adapter {
	a := &Adapter{
		baseURL: cfg.BaseURL,
		client:  cfg.HTTPClient(50*time.Millisecond, 10),
		logger:  cfg.Log(),
		symbols: DefaultSymbols,
		now:     time.Now,
	}
	if a.baseURL == "" {
		a.baseURL = DefaultURL
	}
	a.Session = exchange.NewSession(ID, cfg.Credentials, a.TestConnection)
	return a
}

func (a *Adapter) Name() string { return ID }

func (a *Adapter) RequiredCredentials() []exchange.Field { return slices.Clone(fields) }

// AccountInfo is the part of /api/v3/account read by the adapter.
type AccountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// TestConnection reads the account with creds.
func (a *Adapter) TestConnection(ctx context.Context, creds exchange.Credentials) error {
	var info AccountInfo
	return a.signed(ctx, creds, "/api/v3/account", nil, &info)
}

// Balances returns free plus locked amounts, by asset.
func (a *Adapter) Balances(ctx context.Context) (exchange.Balances, error) {
	creds, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	err = a.signed(ctx, creds, "/api/v3/account", nil, &info)
	a.Observe(err)
	if err != nil {
		return nil, err
	}
	b := make(exchange.Balances)
	for _, bal := range info.Balances {
		free, err := exchange.Amount("free", bal.Free)
		if err != nil {
			return nil, hodl.Errorf(hodl.NetworkFailure, "cannot read binance balance: %w", err)
		}
		locked, err := exchange.Amount("locked", bal.Locked)
		if err != nil {
			return nil, hodl.Errorf(hodl.NetworkFailure, "cannot read binance balance: %w", err)
		}
		if total := free.Add(locked); !total.IsZero() {
			b[strings.ToUpper(bal.Asset)] = total
		}
	}
	return b, nil
}

// pageSize is the maximum limit of /api/v3/myTrades.
const pageSize = 1000

// Transactions walks /api/v3/myTrades of every bitcoin symbol by fromId.
func (a *Adapter) Transactions(ctx context.Context, opts exchange.Options) (exchange.Batch, error) {
	var b exchange.Batch
	creds, err := a.Credentials()
	if err != nil {
		return b, err
	}
	for _, symbol := range a.symbols {
		var fromID int64
		for {
			q := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(pageSize)}, "fromId": {strconv.FormatInt(fromID, 10)}}
			var page []Trade
			err := a.signed(ctx, creds, "/api/v3/myTrades", q, &page)
			a.Observe(err)
			if isInvalidSymbol(err) {
				a.logger.Debug("symbol not traded", "symbol", symbol)
				break
			}
			if err != nil {
				return exchange.Finish(a.logger, ID, b, opts), fmt.Errorf("cannot list %s trades: %w", symbol, err)
			}
			for _, tr := range page {
				fromID = max(fromID, tr.ID+1)
				tx, err := tr.Transaction()
				if err != nil {
					a.logger.Warn("rejecting binance trade", "symbol", symbol, "id", tr.ID, "err", err)
					b.Reject(tr.Symbol+":"+strconv.FormatInt(tr.ID, 10), tr, err)
					continue
				}
				b.Transactions = append(b.Transactions, tx)
			}
			if len(page) < pageSize {
				break
			}
		}
	}
	return exchange.Finish(a.logger, ID, b, opts), nil
}

// apiError is the error body of Binance.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// codes meaning the key, the signature or the permissions are wrong.
var credentialCodes = []int{-1022, -2014, -2015}

// signed sends a signed GET request.
func (a *Adapter) signed(ctx context.Context, creds exchange.Credentials, path string, query url.Values, out any) error {
	if err := exchange.Require(ID, creds, fields); err != nil {
		return err
	}
	err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		q.Set("recvWindow", "5000")
		q.Set("timestamp", strconv.FormatInt(a.now().UnixMilli(), 10))
		raw := q.Encode()
		raw += "&signature=" + Sign(creds["apiSecret"], raw)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path+"?"+raw, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", creds["apiKey"])
		return req, nil
	}, out)
	var herr *exchange.HTTPError
	if errors.As(err, &herr) {
		var e apiError
		if json.Unmarshal(herr.Body, &e) == nil && slices.Contains(credentialCodes, e.Code) {
			return hodl.Errorf(hodl.CredentialInvalid, "binance rejected the credentials: %s (%d)", e.Msg, e.Code)
		}
	}
	return err
}

func isInvalidSymbol(err error) bool {
	var herr *exchange.HTTPError
	if !errors.As(err, &herr) {
		return false
	}
	var e apiError
	return json.Unmarshal(herr.Body, &e) == nil && e.Code == -1121
}

// Sign computes the signature of a query string.
func Sign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// Trade is an entry of /api/v3/myTrades.
type Trade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"` // unix milliseconds
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
}

// Quote returns the quote currency of a bitcoin symbol: BTCUSDT is USD.
func Quote(symbol string) (string, error) {
	q, ok := strings.CutPrefix(strings.ToUpper(symbol), "BTC")
	if !ok || q == "" {
		return "", fmt.Errorf("not a bitcoin symbol: %q", symbol)
	}
	return hodl.ParseCurrency(q)
}

// Transaction converts the trade into a canonical transaction.
//
// A commission paid in the quote asset is the fee. A commission paid in BTC is
// valued at the trade price. Any other commission asset (BNB) is only noted.
func (t Trade) Transaction() (hodl.Transaction, error) {
	cur, err := Quote(t.Symbol)
	if err != nil {
		return hodl.Transaction{}, err
	}
	var price, qty, quote, commission decimal.Decimal
	for _, f := range []struct {
		name string
		s    string
		d    *decimal.Decimal
	}{{"price", t.Price, &price}, {"qty", t.Qty, &qty}, {"quoteQty", t.QuoteQty, &quote}, {"commission", t.Commission, &commission}} {
		if *f.d, err = exchange.Amount(f.name, f.s); err != nil {
			return hodl.Transaction{}, err
		}
	}
	typ := hodl.Sell
	if t.IsBuyer {
		typ = hodl.Buy
	}
	external := t.Symbol + ":" + strconv.FormatInt(t.ID, 10)
	tx := hodl.Transaction{
		ID:         hodl.ExternalKey(ID, external),
		ExternalID: external,
		Type:       typ,
		BTCAmount:  qty,
		Date:       date.Of(time.UnixMilli(t.Time).UTC()),
		Source:     ID,
		Original: hodl.Original{
			Currency:    cur,
			PricePerBTC: price,
			TotalCost:   quote,
		},
		Notes: fmt.Sprintf("binance order %d", t.OrderID),
	}
	asset := strings.ToUpper(t.CommissionAsset)
	if c, err := hodl.ParseCurrency(asset); err == nil && c == cur {
		tx.Original.Fee = commission
	} else if asset == "BTC" {
		tx.Original.Fee = commission.Mul(price)
	} else if !commission.IsZero() {
		tx.Notes += fmt.Sprintf(", commission %s %s not included", commission, asset)
	}
	return tx, nil
}
