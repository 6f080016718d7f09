// Package hodl provides the domain of a personal Bitcoin ledger: the canonical
// transaction every source is normalized into, the small set of currencies
// figures are tracked in, the error taxonomy shared by all ingestion paths and
// the contract of the ledger the transactions are persisted into.
//
// The ingestion itself lives in sub-packages:
//   - format: detection and parsing of files (vendor CSV exports, our own exports,
//     exchange API payloads saved to disk).
//   - fx: exchange rates and conversion of figures into EUR and USD.
//   - vault: encrypted storage of exchange credentials.
//   - exchange: the adapter contract and one sub-package per exchange.
//   - ingest: the orchestrator that turns a file or an exchange into ledger entries,
//     exactly once.
//   - ledger: implementations of the Ledger contract (JSONL file, SQLite).
//
// The `btl` command-line tool wires all of them together.
package hodl
