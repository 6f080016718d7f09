package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"golang.org/x/time/rate"
)

// Client defaults.
const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3
	DefaultBackoff = 500 * time.Millisecond
)

// HTTPError is an unexpected HTTP status returned by an exchange.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), bytes.TrimSpace(body))
}

// Client is the HTTP plumbing shared by adapters: rate limited, retrying idempotent requests.
type Client struct {
	HTTP    *http.Client
	Limiter *rate.Limiter
	Retries int           // extra attempts of a GET after a network failure or a 5xx
	Backoff time.Duration // delay before the first retry, doubled at each retry
	Logger  *log.Logger
}

// NewClient returns a Client allowing one request every interval, with bursts of burst.
func NewClient(interval time.Duration, burst int) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Limiter: rate.NewLimiter(rate.Every(interval), burst),
		Retries: DefaultRetries,
		Backoff: DefaultBackoff,
	}
}

func (c *Client) logger() *log.Logger {
	if c.Logger == nil {
		return log.Default()
	}
	return c.Logger
}

// Do sends the request built by build and decodes the JSON response into out.
//
// build is called for each attempt, so that nonces and signatures are fresh.
// Only GET requests are retried. 401 and 403 fail with CredentialInvalid, any
// other failure with NetworkFailure.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error), out any) error {
	_, err := c.DoHeader(ctx, build, out)
	return err
}

// DoHeader is Do, also returning the response headers.
func (c *Client) DoHeader(ctx context.Context, build func(ctx context.Context) (*http.Request, error), out any) (http.Header, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	backoff := c.Backoff
	for attempt := 0; ; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, hodl.Errorf(hodl.NetworkFailure, "cannot send request: %w", err)
			}
		}
		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot build request: %w", err)
		}
		header, data, err := send(client, req)
		if err == nil {
			if out == nil {
				return header, nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return nil, hodl.Errorf(hodl.NetworkFailure, "cannot decode %s response: %w", req.URL.Path, err)
			}
			return header, nil
		}

		var herr *HTTPError
		isHTTP := errors.As(err, &herr)
		if isHTTP && (herr.Status == http.StatusUnauthorized || herr.Status == http.StatusForbidden) {
			return nil, hodl.Errorf(hodl.CredentialInvalid, "%s %s rejected the credentials: %w", req.Method, req.URL.Path, err)
		}
		retryable := req.Method == http.MethodGet && (!isHTTP || herr.Status >= 500) && ctx.Err() == nil
		if !retryable || attempt >= c.Retries {
			return nil, hodl.Errorf(hodl.NetworkFailure, "cannot %s %s%s: %w", req.Method, req.URL.Host, req.URL.Path, err)
		}
		c.logger().Debug("retrying request", "path", req.URL.Path, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return nil, hodl.Errorf(hodl.NetworkFailure, "cannot %s %s%s: %w", req.Method, req.URL.Host, req.URL.Path, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func send(client *http.Client, req *http.Request) (http.Header, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &HTTPError{Status: resp.StatusCode, Body: data}
	}
	return resp.Header, data, nil
}
