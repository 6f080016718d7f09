// Package ledger provides the storages implementing hodl.Ledger.
//
// Every implementation rejects a batch holding an ID that is already
// persisted, or twice in the batch, with a MergeConflict error, and persists
// nothing of that batch.
package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/etnz/hodl"
)

// Open opens the ledger at path: a SQLite database for .db, .sqlite and
// .sqlite3 files, a JSONL file otherwise.
func Open(path string) (hodl.Ledger, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	}
	return NewFile(path), nil
}

// Close closes l if it holds resources.
func Close(l hodl.Ledger) error {
	if c, ok := l.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// checkNew returns a MergeConflict error if an ID of txs is in known or repeated in txs.
func checkNew(known func(id string) bool, txs []hodl.Transaction) error {
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.ID == "" {
			return fmt.Errorf("cannot append a transaction without id")
		}
		if seen[tx.ID] || known(tx.ID) {
			return hodl.Errorf(hodl.MergeConflict, "transaction %s is already in the ledger", tx.ID)
		}
		seen[tx.ID] = true
	}
	return nil
}

// done reports the context error, if any.
func done(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
