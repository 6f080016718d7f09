package ingest

import (
	"context"
	"strings"
	"sync"

	"github.com/etnz/hodl"
)

// Key is a deduplication key: two transactions with the same key are the same
// real world event. An empty key never matches.
type Key func(tx hodl.Transaction) string

// FileKey identifies a transaction by type, amount, price and date.
func FileKey(tx hodl.Transaction) string {
	return strings.Join([]string{string(tx.Type), tx.BTCAmount.String(), tx.Original.PricePerBTC.String(), tx.Date.String()}, "|")
}

// ExchangeKey identifies a transaction by the exchange native trade id.
func ExchangeKey(tx hodl.Transaction) string {
	if tx.ExternalID == "" {
		return ""
	}
	return strings.ToLower(tx.Source) + ":" + tx.ExternalID
}

// Merger is the single writer of a ledger. Reading the ledger, deduplicating
// and appending happen in one exclusive section.
type Merger struct {
	Ledger hodl.Ledger
	mu     sync.Mutex
}

// NewMerger returns the Merger of l.
func NewMerger(l hodl.Ledger) *Merger { return &Merger{Ledger: l} }

// Merge appends txs to the ledger, all or nothing.
//
// With a key, transactions matching an existing one are dropped as
// duplicates, and so are repeated ones within txs if withinBatch is set.
// Once started the merge ignores ctx cancellation.
func (m *Merger) Merge(ctx context.Context, r *run, txs []hodl.Transaction, key Key, withinBatch bool) (imported []hodl.Transaction, duplicates int, err error) {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	r.enter(Deduplicating)
	fresh := txs
	if key != nil {
		existing, err := m.Ledger.ListTransactions(ctx, hodl.Filter{})
		if err != nil {
			return nil, 0, hodl.Errorf(hodl.LedgerWrite, "cannot read ledger: %w", err)
		}
		seen := make(map[string]bool, len(existing))
		for _, tx := range existing {
			if k := key(tx); k != "" {
				seen[k] = true
			}
		}
		fresh = make([]hodl.Transaction, 0, len(txs))
		for _, tx := range txs {
			k := key(tx)
			if k != "" && seen[k] {
				duplicates++
				continue
			}
			if k != "" && withinBatch {
				seen[k] = true
			}
			fresh = append(fresh, tx)
		}
	}

	r.enter(Merging)
	if len(fresh) == 0 {
		return fresh, duplicates, nil
	}
	if err := m.Ledger.AppendTransactions(ctx, fresh); err != nil {
		if hodl.ReasonOf(err) == hodl.MergeConflict {
			return nil, duplicates, err
		}
		return nil, duplicates, hodl.Errorf(hodl.LedgerWrite, "cannot append %d transactions: %w", len(fresh), err)
	}
	return fresh, duplicates, nil
}
