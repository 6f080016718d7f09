// Package kraken implements the exchange adapter of Kraken (api.kraken.com).
//
// Private endpoints are POST forms signed with:
//
//	API-Sign = base64(HMAC-SHA512(base64decode(secret), path + SHA256(nonce + body)))
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/etnz/hodl/exchange"
	"github.com/shopspring/decimal"
)

const (
	ID         = "kraken"
	DefaultURL = "https://api.kraken.com"
)

var fields = []exchange.Field{
	{Name: "apiKey", Label: "API key"},
	{Name: "apiSecret", Label: "Private key", Secret: true},
}

// Adapter is the Kraken exchange adapter.
type Adapter struct {
	*exchange.Session
	baseURL string
	client  *exchange.Client
	logger  *log.Logger
	nonce   atomic.Int64
}

// New returns a Kraken adapter. It is an exchange.Factory.
func New(cfg exchange.Config) exchange.Adapter {
	a := &Adapter{
		baseURL: cfg.BaseURL,
		client:  cfg.HTTPClient(time.Second, 3),
		logger:  cfg.Log(),
	}
	if a.baseURL == "" {
		a.baseURL = DefaultURL
	}
	a.Session = exchange.NewSession(ID, cfg.Credentials, a.TestConnection)
	return a
}

func (a *Adapter) Name() string                          { return ID }
func (a *Adapter) RequiredCredentials() []exchange.Field { return slices.Clone(fields) }

// TestConnection reads the account balance with creds.
func (a *Adapter) TestConnection(ctx context.Context, creds exchange.Credentials) error {
	var res map[string]string
	return a.private(ctx, creds, "/0/private/Balance", nil, &res)
}

// Balances returns the account balances, by asset.
func (a *Adapter) Balances(ctx context.Context) (exchange.Balances, error) {
	creds, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	var res map[string]string
	err = a.private(ctx, creds, "/0/private/Balance", nil, &res)
	a.Observe(err)
	if err != nil {
		return nil, err
	}
	b := make(exchange.Balances)
	for code, v := range res {
		amount, err := exchange.Amount(code, v)
		if err != nil {
			return nil, hodl.Errorf(hodl.NetworkFailure, "cannot read kraken balance: %w", err)
		}
		if amount.IsZero() {
			continue
		}
		asset := Asset(code)
		b[asset] = b[asset].Add(amount)
	}
	return b, nil
}

// pageSize is the number of trades returned by TradesHistory per call.
const pageSize = 50

// Transactions walks TradesHistory by offset and returns the bitcoin trades.
func (a *Adapter) Transactions(ctx context.Context, opts exchange.Options) (exchange.Batch, error) {
	var b exchange.Batch
	creds, err := a.Credentials()
	if err != nil {
		return b, err
	}
	form := url.Values{}
	if !opts.Range.From.IsZero() {
		form.Set("start", strconv.FormatInt(opts.Range.From.Unix(), 10))
	}
	if !opts.Range.To.IsZero() {
		form.Set("end", strconv.FormatInt(opts.Range.To.Add(1).Unix(), 10))
	}

	for ofs := 0; ; {
		form.Set("ofs", strconv.Itoa(ofs))
		var page TradesHistory
		err := a.private(ctx, creds, "/0/private/TradesHistory", form, &page)
		a.Observe(err)
		if err != nil {
			return exchange.Finish(a.logger, ID, b, opts), err
		}
		if len(page.Trades) == 0 {
			break
		}
		for _, txid := range slices.Sorted(maps.Keys(page.Trades)) {
			tx, err := page.Trades[txid].Transaction(txid)
			if errors.Is(err, ErrNotBitcoin) {
				continue
			}
			if err != nil {
				a.logger.Warn("rejecting kraken trade", "txid", txid, "err", err)
				b.Reject(txid, page.Trades[txid], err)
				continue
			}
			b.Transactions = append(b.Transactions, tx)
		}
		ofs += len(page.Trades)
		a.logger.Debug("kraken trades page", "offset", ofs, "count", page.Count)
		if ofs >= page.Count || len(page.Trades) < pageSize {
			break
		}
	}
	return exchange.Finish(a.logger, ID, b, opts), nil
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// private calls a private endpoint and decodes its result into out.
func (a *Adapter) private(ctx context.Context, creds exchange.Credentials, path string, form url.Values, out any) error {
	if err := exchange.Require(ID, creds, fields); err != nil {
		return err
	}
	secret, err := base64.StdEncoding.DecodeString(creds["apiSecret"])
	if err != nil {
		return hodl.Errorf(hodl.CredentialInvalid, "kraken private key is not base64")
	}
	var env envelope
	err = a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		v := url.Values{}
		for k, vs := range form {
			v[k] = vs
		}
		nonce := a.nextNonce()
		v.Set("nonce", nonce)
		body := v.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
		req.Header.Set("API-Key", creds["apiKey"])
		req.Header.Set("API-Sign", Sign(path, nonce, body, secret))
		return req, nil
	}, &env)
	if err != nil {
		return err
	}
	if len(env.Error) > 0 {
		return apiError(env.Error)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return hodl.Errorf(hodl.NetworkFailure, "cannot decode kraken %s result: %w", path, err)
	}
	return nil
}

// nextNonce returns a strictly increasing nonce, based on the clock in milliseconds.
func (a *Adapter) nextNonce() string {
	for {
		last := a.nonce.Load()
		n := max(time.Now().UnixMilli(), last+1)
		if a.nonce.CompareAndSwap(last, n) {
			return strconv.FormatInt(n, 10)
		}
	}
}

// Sign computes the API-Sign header of a private request.
func Sign(path, nonce, body string, secret []byte) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func apiError(errs []string) error {
	msg := strings.Join(errs, "; ")
	for _, e := range errs {
		switch {
		case strings.HasPrefix(e, "EAPI:Invalid nonce"):
			// a clock skew or a concurrent client, not a credential issue
			return hodl.Errorf(hodl.NetworkFailure, "kraken rejected the request nonce: %s", msg)
		case strings.HasPrefix(e, "EAPI:Invalid key"),
			strings.HasPrefix(e, "EAPI:Invalid signature"),
			strings.HasPrefix(e, "EGeneral:Permission denied"):
			return hodl.Errorf(hodl.CredentialInvalid, "kraken rejected the credentials: %s", msg)
		}
	}
	return hodl.Errorf(hodl.NetworkFailure, "kraken error: %s", msg)
}

// Asset normalizes a Kraken asset code: XXBT is BTC, ZEUR is EUR.
func Asset(code string) string {
	c := strings.ToUpper(code)
	if i := strings.IndexByte(c, '.'); i > 0 {
		c = c[:i] // staking variants, as XBT.F
	}
	if len(c) == 4 && (c[0] == 'X' || c[0] == 'Z') {
		c = c[1:]
	}
	if c == "XBT" {
		return "BTC"
	}
	return c
}

// TradesHistory is the result of the TradesHistory endpoint.
type TradesHistory struct {
	Trades map[string]Trade `json:"trades"`
	Count  int              `json:"count"`
}

// Trade is one entry of TradesHistory, keyed by its txid.
type Trade struct {
	OrderTxID string  `json:"ordertxid"`
	Pair      string  `json:"pair"`
	Time      float64 `json:"time"`
	Type      string  `json:"type"`
	OrderType string  `json:"ordertype"`
	Price     string  `json:"price"`
	Cost      string  `json:"cost"`
	Fee       string  `json:"fee"`
	Vol       string  `json:"vol"`
}

// ErrNotBitcoin is returned for trades of a pair that does not buy or sell bitcoin.
var ErrNotBitcoin = errors.New("not a bitcoin pair")

// Quote returns the quote currency of a bitcoin pair: XXBTZEUR is EUR.
func Quote(pair string) (string, error) {
	p := strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
	for _, base := range []string{"XXBT", "XBT"} {
		if q, ok := strings.CutPrefix(p, base); ok && q != "" {
			return hodl.ParseCurrency(q)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotBitcoin, pair)
}

// Transaction converts the trade txid into a canonical transaction.
func (t Trade) Transaction(txid string) (hodl.Transaction, error) {
	cur, err := Quote(t.Pair)
	if err != nil {
		return hodl.Transaction{}, err
	}
	typ, err := hodl.ParseType(t.Type)
	if err != nil {
		return hodl.Transaction{}, err
	}
	var price, cost, fee, vol decimal.Decimal
	for _, f := range []struct {
		name string
		s    string
		d    *decimal.Decimal
	}{{"price", t.Price, &price}, {"cost", t.Cost, &cost}, {"fee", t.Fee, &fee}, {"vol", t.Vol, &vol}} {
		if *f.d, err = exchange.Amount(f.name, f.s); err != nil {
			return hodl.Transaction{}, err
		}
	}
	sec, frac := math.Modf(t.Time)
	when := time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return hodl.Transaction{
		ID:         hodl.ExternalKey(ID, txid),
		ExternalID: txid,
		Type:       typ,
		BTCAmount:  vol,
		Date:       date.Of(when),
		Source:     ID,
		Original: hodl.Original{
			Currency:    cur,
			PricePerBTC: price,
			TotalCost:   cost,
			Fee:         fee,
		},
		Notes: fmt.Sprintf("kraken order %s (%s)", t.OrderTxID, t.OrderType),
	}, nil
}
