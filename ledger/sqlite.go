package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/etnz/hodl"
	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	id     TEXT NOT NULL UNIQUE,
	date   TEXT NOT NULL,
	type   TEXT NOT NULL,
	source TEXT NOT NULL,
	data   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date);
`

// SQLite is a ledger stored in a SQLite database. Each append is one SQL transaction.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens, and creates if needed, the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) AppendTransactions(ctx context.Context, txs []hodl.Transaction) error {
	// the batch is committed even if ctx is cancelled meanwhile
	ctx = context.WithoutCancel(ctx)
	if err := checkNew(func(string) bool { return false }, txs); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hodl.Errorf(hodl.LedgerWrite, "failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions (id, date, type, source, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return hodl.Errorf(hodl.LedgerWrite, "failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range txs {
		data, err := json.Marshal(t)
		if err != nil {
			return hodl.Errorf(hodl.LedgerWrite, "cannot marshal transaction %s: %w", t.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.Date.String(), string(t.Type), t.Source, string(data)); err != nil {
			var se sqlite3.Error
			if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
				return hodl.Errorf(hodl.MergeConflict, "transaction %s is already in the ledger", t.ID)
			}
			return hodl.Errorf(hodl.LedgerWrite, "failed to insert transaction %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return hodl.Errorf(hodl.LedgerWrite, "failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) ListTransactions(ctx context.Context, filter hodl.Filter) ([]hodl.Transaction, error) {
	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ? COLLATE NOCASE")
		args = append(args, filter.Source)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Range.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, filter.Range.From.String())
	}
	if !filter.Range.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, filter.Range.To.String())
	}
	query := "SELECT data FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, seq"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	var res []hodl.Transaction
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		var t hodl.Transaction
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("cannot parse transaction: %w", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return res, nil
}
