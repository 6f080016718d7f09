package ledger

import (
	"context"
	"slices"
	"sync"

	"github.com/etnz/hodl"
)

// Memory is a ledger held in memory.
type Memory struct {
	mu  sync.Mutex
	txs []hodl.Transaction
	ids map[string]bool
	// Fail, if set, makes AppendTransactions fail with this error.
	Fail error
}

// NewMemory returns a memory ledger holding txs.
func NewMemory(txs ...hodl.Transaction) *Memory {
	m := &Memory{ids: make(map[string]bool)}
	for _, tx := range txs {
		m.txs = append(m.txs, tx)
		m.ids[tx.ID] = true
	}
	return m
}

func (m *Memory) AppendTransactions(ctx context.Context, txs []hodl.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return hodl.Errorf(hodl.LedgerWrite, "cannot write ledger: %w", m.Fail)
	}
	if err := checkNew(func(id string) bool { return m.ids[id] }, txs); err != nil {
		return err
	}
	for _, tx := range txs {
		m.txs = append(m.txs, tx)
		m.ids[tx.ID] = true
	}
	return nil
}

func (m *Memory) ListTransactions(ctx context.Context, filter hodl.Filter) ([]hodl.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filter.Apply(slices.Clone(m.txs)), nil
}

// Len returns the number of transactions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}
