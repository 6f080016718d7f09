// Package fx converts amounts between the supported currencies.
//
// Rates come from a Source and are cached per currency pair. A rate older than
// the freshness window triggers a refresh of the whole table before it is
// trusted again, but a failed refresh never fails a conversion: the previous
// rate is used, or the identity rate when there is none, flagged as Estimated.
package fx

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

const (
	// DefaultFreshness is how long a cached rate is trusted.
	DefaultFreshness = time.Hour
	// DefaultTimeout bounds a refresh.
	DefaultTimeout = 5 * time.Second
	// retryAfter is the minimum delay between two failed refreshes.
	retryAfter = time.Minute
)

var one = decimal.NewFromInt(1)

// Rate is the number of units of the target currency for one unit of the source currency.
type Rate struct {
	Value      decimal.Decimal
	ObservedAt time.Time
	// Estimated is true when Value is the identity fallback used for lack of a rate.
	Estimated bool
}

// Triple is the set of figures converted together.
type Triple struct {
	Price, Cost, Fee decimal.Decimal
}

// Options configure a Service. The zero value is usable.
type Options struct {
	Freshness time.Duration
	Timeout   time.Duration
	Logger    *log.Logger
	Now       func() time.Time
}

// Service is the currency conversion service.
type Service struct {
	source    Source
	freshness time.Duration
	timeout   time.Duration
	logger    *log.Logger
	now       func() time.Time

	mu          sync.Mutex // serializes refreshes
	lastAttempt time.Time
	rates       *cache.Cache // "FROM/TO" -> entry
}

type entry struct {
	rate       decimal.Decimal
	observedAt time.Time
}

// New returns a Service fetching its rates from source.
func New(source Source, opts Options) *Service {
	s := &Service{
		source:    source,
		freshness: opts.Freshness,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		now:       opts.Now,
		// entries never expire: staleness is decided by observedAt, and stale entries are the fallback.
		rates: cache.New(cache.NoExpiration, 0),
	}
	if s.freshness <= 0 {
		s.freshness = DefaultFreshness
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func key(from, to string) string { return from + "/" + to }

func (s *Service) lookup(from, to string) (entry, bool) {
	v, ok := s.rates.Get(key(from, to))
	if !ok {
		return entry{}, false
	}
	return v.(entry), true
}

func (s *Service) fresh(e entry) bool { return s.now().Sub(e.observedAt) <= s.freshness }

// Rate returns the rate to convert from into to.
//
// It fails only for unsupported currencies.
func (s *Service) Rate(ctx context.Context, from, to string) (Rate, error) {
	from, err := hodl.ParseCurrency(from)
	if err != nil {
		return Rate{}, err
	}
	to, err = hodl.ParseCurrency(to)
	if err != nil {
		return Rate{}, err
	}
	if from == to {
		return Rate{Value: one, ObservedAt: s.now()}, nil
	}

	e, ok := s.lookup(from, to)
	if !ok || !s.fresh(e) {
		if err := s.refresh(ctx, false); err != nil {
			s.logger.Warn("rate refresh failed", "from", from, "to", to, "err", err)
		}
		e, ok = s.lookup(from, to)
	}
	if !ok {
		s.logger.Warn("rate unavailable, using identity", "reason", hodl.RateUnavailable, "from", from, "to", to)
		return Rate{Value: one, ObservedAt: s.now(), Estimated: true}, nil
	}
	if !s.fresh(e) {
		s.logger.Debug("using stale rate", "from", from, "to", to, "observedAt", e.observedAt)
	}
	return Rate{Value: e.rate, ObservedAt: e.observedAt}, nil
}

// Convert converts amount from one currency into another.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	r, err := s.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(r.Value), nil
}

// ConvertTriple converts figures that are all declared in the same currency.
func (s *Service) ConvertTriple(ctx context.Context, t Triple, from, to string) (Triple, Rate, error) {
	r, err := s.Rate(ctx, from, to)
	if err != nil {
		return Triple{}, Rate{}, err
	}
	return Triple{
		Price: t.Price.Mul(r.Value),
		Cost:  t.Cost.Mul(r.Value),
		Fee:   t.Fee.Mul(r.Value),
	}, r, nil
}

// Refresh fetches the whole rate table now.
func (s *Service) Refresh(ctx context.Context) error { return s.refresh(ctx, true) }

func (s *Service) refresh(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !force && !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < retryAfter {
		// a concurrent caller just refreshed, or the source just failed
		return nil
	}
	s.lastAttempt = now

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	table, err := s.source.Fetch(ctx)
	if err != nil {
		return hodl.Errorf(hodl.RateUnavailable, "cannot refresh rates: %w", err)
	}
	observed := table.ObservedAt
	if observed.IsZero() {
		observed = now
	}

	rateOf := func(code string) (decimal.Decimal, bool) {
		if r, ok := table.Rates[code]; ok {
			return r, true
		}
		// the base is implicit in some tables
		return one, code == table.Base
	}
	var stored int
	for _, from := range hodl.Currencies {
		rf, ok := rateOf(from)
		if !ok || !rf.IsPositive() {
			continue
		}
		for _, to := range hodl.Currencies {
			rt, ok := rateOf(to)
			if from == to || !ok || !rt.IsPositive() {
				continue
			}
			s.rates.Set(key(from, to), entry{rate: rt.Div(rf), observedAt: observed}, cache.NoExpiration)
			stored++
		}
	}
	s.logger.Debug("rates refreshed", "base", table.Base, "pairs", stored)
	return nil
}

// Quote is a cached rate, for display.
type Quote struct {
	From, To string
	Rate
}

// Quotes returns the cached rates against base.
func (s *Service) Quotes(base string) []Quote {
	var res []Quote
	for _, to := range hodl.Currencies {
		if e, ok := s.lookup(base, to); ok {
			res = append(res, Quote{From: base, To: to, Rate: Rate{Value: e.rate, ObservedAt: e.observedAt}})
		}
	}
	return res
}
