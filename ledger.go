package hodl

import (
	"context"
	"slices"
	"strings"

	"github.com/etnz/hodl/date"
)

// Ledger is the persisted, chronological list of transactions.
//
// AppendTransactions must be all-or-nothing: either every transaction of the
// batch is persisted or none is.
type Ledger interface {
	AppendTransactions(ctx context.Context, txs []Transaction) error
	ListTransactions(ctx context.Context, filter Filter) ([]Transaction, error)
}

// Filter selects transactions out of a Ledger. The zero Filter selects everything.
type Filter struct {
	Source string     // case insensitive, empty means any
	Type   Type       // empty means any
	Range  date.Range // open bounds are ignored
}

// Match reports whether tx is selected by f.
func (f Filter) Match(tx Transaction) bool {
	if f.Source != "" && !strings.EqualFold(f.Source, tx.Source) {
		return false
	}
	if f.Type != "" && f.Type != tx.Type {
		return false
	}
	return f.Range.Contains(tx.Date)
}

// Apply returns the transactions of txs matched by f, in chronological order.
func (f Filter) Apply(txs []Transaction) []Transaction {
	res := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if f.Match(tx) {
			res = append(res, tx)
		}
	}
	SortTransactions(res)
	return res
}

// SortTransactions sorts in chronological order, keeping the insertion order of a same day.
func SortTransactions(txs []Transaction) {
	slices.SortStableFunc(txs, func(a, b Transaction) int {
		return a.Date.Compare(b.Date)
	})
}
