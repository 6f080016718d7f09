// Package ingest drives ingestion runs: a file import or an exchange sync.
//
// A run goes through the phases Started, Fetching, Normalizing,
// Deduplicating, Merging and Committed, or stops in Failed. Records that
// cannot be parsed or normalized are reported in the Result and never stop
// the run. Every run merges into the ledger through one Merger, the single
// writer of the ledger.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/format"
	"github.com/etnz/hodl/fx"
)

// Phase of a run.
type Phase string

const (
	Started       Phase = "started"
	Fetching      Phase = "fetching"
	Normalizing   Phase = "normalizing"
	Deduplicating Phase = "deduplicating"
	Merging       Phase = "merging"
	Committed     Phase = "committed"
	Failed        Phase = "failed"
)

// Result is the report of a run.
type Result struct {
	// Format is the detected format, or the exchange id of a sync.
	Format string `json:"detectedFormat"`
	// Total is the number of candidate records.
	Total      int `json:"total"`
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
	// Errors describes the invalid records.
	Errors []*format.ParseError `json:"errors"`
	// Phase is the last phase reached.
	Phase Phase `json:"phase"`
	// Fetched is the number of raw records retrieved before the run ended.
	Fetched int `json:"fetched"`
	// Cancelled reports that the candidates were truncated by a cancellation.
	Cancelled bool `json:"cancelled,omitempty"`
	// Transactions are the imported transactions.
	Transactions []hodl.Transaction `json:"-"`
}

// Skipped is the number of candidates not imported.
func (r Result) Skipped() int { return r.Duplicates + r.Invalid }

// MarshalJSON adds "skipped" to the fields of r.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	if r.Errors == nil {
		r.Errors = []*format.ParseError{}
	}
	return json.Marshal(struct {
		plain
		Skipped int `json:"skipped"`
	}{plain(r), r.Skipped()})
}

// run tracks the progress of one ingestion.
type run struct {
	Result
	kind   string // "import" or "sync", for logs
	logger *log.Logger
}

func newRun(kind string, logger *log.Logger) *run {
	r := &run{kind: kind, logger: logger}
	r.Errors = []*format.ParseError{}
	r.enter(Started)
	return r
}

func (r *run) enter(p Phase) {
	r.Phase = p
	r.logger.Debug(r.kind+" phase", "phase", p, "format", r.Format, "fetched", r.Fetched)
}

// fail ends the run in the Failed phase.
func (r *run) fail(err error) (Result, error) {
	from := r.Phase
	r.Phase = Failed
	r.logger.Error(r.kind+" failed", "phase", from, "format", r.Format, "fetched", r.Fetched, "reason", hodl.ReasonOf(err), "err", err)
	return r.Result, err
}

// invalid records a candidate that is skipped.
func (r *run) invalid(e *format.ParseError) {
	r.Invalid++
	r.Errors = append(r.Errors, e)
	r.logger.Debug("skipping record", "format", r.Format, "index", e.Index, "reason", e.Reason)
}

// cancelled reports whether ctx is done, recording the truncation.
func (r *run) cancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	if !r.Cancelled {
		r.Cancelled = true
		r.logger.Warn(r.kind+" cancelled, truncating candidates", "phase", r.Phase, "format", r.Format)
	}
	return true
}

// candidate is a transaction waiting for normalization, with the record it comes from.
type candidate struct {
	tx     hodl.Transaction
	record format.Record
}

// normalize fills the converted figures of the candidates. It stops at
// cancellation, dropping the candidates left.
func (r *run) normalize(ctx context.Context, rates fx.Rater, cands []candidate) []hodl.Transaction {
	r.enter(Normalizing)
	n := fx.Normalizer{Rates: rates}
	txs := make([]hodl.Transaction, 0, len(cands))
	for _, c := range cands {
		if r.cancelled(ctx) {
			break
		}
		tx := c.tx
		if !tx.IsConverted() {
			if err := n.Normalize(ctx, &tx); err != nil {
				r.invalid(format.Fail(c.record, fmt.Errorf("cannot normalize: %w", err)))
				continue
			}
		}
		txs = append(txs, tx)
	}
	return txs
}

// commit merges txs and ends the run.
func (r *run) commit(ctx context.Context, m *Merger, txs []hodl.Transaction, key Key, withinBatch bool) (Result, error) {
	imported, duplicates, err := m.Merge(ctx, r, txs, key, withinBatch)
	r.Duplicates += duplicates
	if err != nil {
		return r.fail(err)
	}
	r.Imported = len(imported)
	r.Transactions = imported
	r.enter(Committed)
	r.logger.Info(r.kind+" committed", "format", r.Format, "total", r.Total, "imported", r.Imported, "duplicates", r.Duplicates, "invalid", r.Invalid)
	return r.Result, nil
}
