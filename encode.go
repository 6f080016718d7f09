package hodl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EncodeTransaction writes tx as a single JSON line.
func EncodeTransaction(w io.Writer, tx Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("cannot marshal transaction %s: %w", tx.ID, err)
	}
	// Write the JSON data followed by a newline to create the JSONL format.
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("cannot write transaction: %w", err)
	}
	return nil
}

// EncodeTransactions writes txs in JSONL format, one transaction per line, in the given order.
func EncodeTransactions(w io.Writer, txs []Transaction) error {
	for _, tx := range txs {
		if err := EncodeTransaction(w, tx); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTransactions reads a stream of JSONL transactions.
func DecodeTransactions(r io.Reader) ([]Transaction, error) {
	var txs []Transaction
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(strings.TrimSpace(string(data))) == 0 {
			continue // Skip empty lines
		}
		var tx Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("cannot parse ledger line %d: %q: %w", line, string(data), err)
		}
		txs = append(txs, tx)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read ledger: %w", err)
	}
	return txs, nil
}
