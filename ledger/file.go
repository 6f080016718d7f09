package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/etnz/hodl"
)

// File is a ledger stored as a JSONL file, one transaction per line.
//
// Each append rewrites the whole file into a temporary file renamed over the
// previous one: readers see either the old or the new ledger, never a part.
type File struct {
	Path string
	mu   sync.Mutex
}

// NewFile returns the ledger stored at path. The file is created on first append.
func NewFile(path string) *File { return &File{Path: path} }

func (f *File) read() ([]hodl.Transaction, error) {
	r, err := os.Open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return hodl.DecodeTransactions(r)
}

func (f *File) AppendTransactions(ctx context.Context, txs []hodl.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, err := f.read()
	if err != nil {
		return hodl.Errorf(hodl.LedgerWrite, "cannot read ledger %s: %w", f.Path, err)
	}
	ids := make(map[string]bool, len(existing))
	for _, tx := range existing {
		ids[tx.ID] = true
	}
	if err := checkNew(func(id string) bool { return ids[id] }, txs); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := hodl.EncodeTransactions(&buf, append(existing, txs...)); err != nil {
		return hodl.Errorf(hodl.LedgerWrite, "cannot encode ledger: %w", err)
	}
	if err := atomicWrite(f.Path, buf.Bytes()); err != nil {
		return hodl.Errorf(hodl.LedgerWrite, "cannot write ledger %s: %w", f.Path, err)
	}
	return nil
}

func (f *File) ListTransactions(ctx context.Context, filter hodl.Filter) ([]hodl.Transaction, error) {
	if err := done(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	txs, err := f.read()
	if err != nil {
		return nil, err
	}
	return filter.Apply(txs), nil
}

// atomicWrite replaces the file at path with data.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "tmp-*.jsonl")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
