package ingest

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl/date"
	"github.com/etnz/hodl/exchange"
	"github.com/etnz/hodl/format"
	"github.com/etnz/hodl/fx"
)

// SyncOptions bound the transactions to sync. Dates are read leniently, a
// bound that cannot be read is dropped.
type SyncOptions struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// Syncer merges exchange transactions into the ledger.
//
// Exchange records are always deduplicated on their native trade id, also
// within a batch, so that syncing twice, or pages overlapping, never yield
// a transaction twice.
type Syncer struct {
	Exchanges *Exchanges
	Rates     fx.Rater
	Merger    *Merger
	Logger    *log.Logger
}

func (s *Syncer) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

// Sync fetches the transactions of exchange id and merges them.
func (s *Syncer) Sync(ctx context.Context, id string, opts SyncOptions) (Result, error) {
	r := newRun("sync", s.logger())
	r.Format = id
	a, err := s.Exchanges.Connected(id)
	if err != nil {
		return r.fail(err)
	}
	rng, dropped := date.Sanitize(opts.StartDate, opts.EndDate)
	for _, d := range dropped {
		r.logger.Warn("dropping invalid date bound", "exchange", id, "bound", d)
	}

	r.enter(Fetching)
	b, err := a.Transactions(ctx, exchange.Options{Range: rng})
	r.Fetched = b.Fetched()
	r.Total = r.Fetched
	// rejected records come after the transactions
	for i, rej := range b.Rejected {
		r.invalid(&format.ParseError{Index: len(b.Transactions) + i + 1, Reason: rej.ExternalID + ": " + rej.Reason, Raw: rej.Raw})
	}
	if err != nil {
		return r.fail(err)
	}
	cands := make([]candidate, len(b.Transactions))
	for i, tx := range b.Transactions {
		cands[i] = candidate{tx: tx, record: format.Record{Index: i + 1, Raw: id + " " + tx.ExternalID}}
	}

	merged := r.normalize(ctx, s.Rates, cands)
	return r.commit(ctx, s.Merger, merged, ExchangeKey, true)
}

// SyncAll syncs every configured exchange concurrently. Results are in the
// order of ids, the first error is returned once all syncs are done.
func (s *Syncer) SyncAll(ctx context.Context, opts SyncOptions) ([]Result, error) {
	ids, err := s.Exchanges.List()
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Sync(ctx, id, opts)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
