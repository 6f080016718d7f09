package ingest

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/format"
	"github.com/etnz/hodl/fx"
)

// ImportOptions configure a file import.
type ImportOptions struct {
	// SkipDuplicates drops records matching a ledger transaction on FileKey.
	// Without it, importing a file twice appends its records twice.
	SkipDuplicates bool
	// DetectOnly returns the detected format without importing anything.
	DetectOnly bool
}

// Importer imports transaction files.
type Importer struct {
	Formats *format.Registry
	Rates   fx.Rater
	Merger  *Merger
	Logger  *log.Logger
}

func (im *Importer) logger() *log.Logger {
	if im.Logger == nil {
		return log.Default()
	}
	return im.Logger
}

// Detect returns the name of the format of c.
func (im *Importer) Detect(c format.Content) (string, error) {
	v, err := im.Formats.Detect(c)
	if err != nil {
		return "", err
	}
	return v.Name(), nil
}

// Import parses c, normalizes its records and merges them into the ledger.
//
// Records get a fresh ID: the same file imported twice without
// SkipDuplicates yields distinct transactions.
func (im *Importer) Import(ctx context.Context, c format.Content, opts ImportOptions) (Result, error) {
	r := newRun("import", im.logger())
	v, err := im.Formats.Detect(c)
	if err != nil {
		return r.fail(err)
	}
	r.Format = v.Name()
	if opts.DetectOnly {
		return r.Result, nil
	}

	r.enter(Fetching)
	records, err := v.Records(c)
	if err != nil {
		return r.fail(hodl.Errorf(hodl.RecordParseError, "cannot read %s records of %q: %w", v.Name(), c.Name, err))
	}
	r.Fetched = len(records)
	cands := make([]candidate, 0, len(records))
	for _, rec := range records {
		if r.cancelled(ctx) {
			break
		}
		r.Total++
		tx, err := v.Parse(rec)
		if err != nil {
			r.invalid(format.Fail(rec, err))
			continue
		}
		tx.ID = hodl.NewID()
		cands = append(cands, candidate{tx: tx, record: rec})
	}

	txs := r.normalize(ctx, im.Rates, cands)

	var key Key
	if opts.SkipDuplicates {
		key = FileKey
	}
	return r.commit(ctx, im.Merger, txs, key, false)
}
