package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/date"
	"github.com/etnz/hodl/renderer"
	"github.com/google/subcommands"
)

// filterFlags select ledger transactions.
type filterFlags struct {
	source, typ, from, to string
}

func (c *filterFlags) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.source, "source", "", "Only transactions of this source (import, kraken, ledger-live, ...)")
	f.StringVar(&c.typ, "type", "", "Only transactions of this type (buy or sell)")
	f.StringVar(&c.from, "from", "", "Only transactions on or after this date (YYYY-MM-DD)")
	f.StringVar(&c.to, "to", "", "Only transactions on or before this date (YYYY-MM-DD)")
}

func (c *filterFlags) filter() (hodl.Filter, error) {
	f := hodl.Filter{Source: c.source}
	if c.typ != "" {
		t, err := hodl.ParseType(c.typ)
		if err != nil {
			return f, err
		}
		f.Type = t
	}
	var err error
	if c.from != "" {
		if f.Range.From, err = date.Parse(c.from); err != nil {
			return f, err
		}
	}
	if c.to != "" {
		if f.Range.To, err = date.Parse(c.to); err != nil {
			return f, err
		}
	}
	return f, nil
}

// transactions lists the ledger transactions selected by c.
func (c *filterFlags) transactions(ctx context.Context, a *app) ([]hodl.Transaction, subcommands.ExitStatus) {
	filter, err := c.filter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing filter: %v\n", err)
		return nil, subcommands.ExitUsageError
	}
	l, err := a.ledger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger %q: %s\n", a.cfg.Ledger, describe(err))
		return nil, subcommands.ExitFailure
	}
	txs, err := l.ListTransactions(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading ledger %q: %s\n", a.cfg.Ledger, describe(err))
		return nil, subcommands.ExitFailure
	}
	return txs, subcommands.ExitSuccess
}

// --- List Command ---

type listCmd struct {
	filterFlags
	in   string
	json bool
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list the ledger transactions" }
func (*listCmd) Usage() string {
	return `btl list [-source <source>] [-type buy|sell] [-from <date>] [-to <date>] [-in EUR|USD] [-json]

  Lists the ledger transactions in chronological order, with their figures
  converted in the -in currency. Use -json to print them as JSON lines.
`
}

func (c *listCmd) SetFlags(f *flag.FlagSet) {
	c.filterFlags.SetFlags(f)
	f.StringVar(&c.in, "in", hodl.EUR, "Currency of the figures, EUR or USD")
	f.BoolVar(&c.json, "json", false, "Print JSON lines instead of a table")
}

func (c *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, status := start()
	if a == nil {
		return status
	}
	defer a.Close()
	txs, status := c.transactions(ctx, a)
	if status != subcommands.ExitSuccess {
		return status
	}
	if c.json {
		if err := hodl.EncodeTransactions(os.Stdout, txs); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing transactions: %v\n", err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}
	printMarkdown(renderer.RenderTransactions(txs, strings.ToUpper(c.in)))
	return subcommands.ExitSuccess
}

// --- Export Command ---

type exportCmd struct {
	filterFlags
	output string
	format string
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "export the ledger as native CSV or JSON" }
func (*exportCmd) Usage() string {
	return `btl export [-o <file>] [-format csv|json] [-source <source>] [-type buy|sell] [-from <date>] [-to <date>]

  Writes the ledger transactions in the native format, that import reads
  back. The format defaults to the output file extension, or CSV.

Usage Examples:
$ btl export -o backup.json
$ btl export -source kraken -from 2024-01-01 > kraken-2024.csv

`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	c.filterFlags.SetFlags(f)
	f.StringVar(&c.output, "o", "-", "Output file, - for the standard output")
	f.StringVar(&c.format, "format", "", "Output format: csv or json")
}

func (c *exportCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	kind := strings.ToLower(c.format)
	if kind == "" {
		kind = strings.TrimPrefix(strings.ToLower(filepath.Ext(c.output)), ".")
	}
	export := hodl.ExportCSV
	switch kind {
	case "json":
		export = hodl.ExportJSON
	case "", "csv":
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown export format %q, want csv or json\n", kind)
		return subcommands.ExitUsageError
	}

	a, status := start()
	if a == nil {
		return status
	}
	defer a.Close()
	txs, status := c.transactions(ctx, a)
	if status != subcommands.ExitSuccess {
		return status
	}

	w := os.Stdout
	if c.output != "-" {
		out, err := os.Create(c.output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %q: %v\n", c.output, err)
			return subcommands.ExitFailure
		}
		defer out.Close()
		w = out
	}
	if err := export(w, txs); err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting transactions: %v\n", err)
		return subcommands.ExitFailure
	}
	if c.output != "-" {
		fmt.Fprintf(os.Stderr, "Exported %d transactions to %s\n", len(txs), c.output)
	}
	return subcommands.ExitSuccess
}
