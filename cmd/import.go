package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/etnz/hodl/format"
	"github.com/etnz/hodl/ingest"
	"github.com/etnz/hodl/renderer"
	"github.com/google/subcommands"
)

// readContent reads a file to import, "-" for the standard input.
func readContent(path, name string) (format.Content, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return format.Content{}, fmt.Errorf("cannot read standard input: %w", err)
		}
		return format.Content{Name: name, Data: data}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return format.Content{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return format.Content{Name: name, Data: data}, nil
}

// --- Import Command ---

type importCmd struct {
	skipDuplicates bool
	name           string
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "import transaction files into the ledger" }
func (*importCmd) Usage() string {
	return `btl import [-skip-duplicates] [-name <name>] <file>...

  Detects the format of each file, normalizes its transactions into EUR and
  USD and appends them to the ledger. Records that cannot be read are
  reported and skipped, they never stop the import.

  Supported formats: native CSV and JSON exports, Ledger Live and Trezor Suite
  exports, any CSV with a date, an amount and a price or total column, and the
  trade payloads of Kraken, Coinbase and Binance.

  Use "-" to read the standard input, and -name to give it a file name.

Usage Examples:
$ btl import -skip-duplicates trades.csv ledger-live.csv

`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.skipDuplicates, "skip-duplicates", false, "Skip records already in the ledger")
	f.StringVar(&c.name, "name", "", "File name of the standard input, for format detection")
}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	a, status := start()
	if a == nil {
		return status
	}
	defer a.Close()

	l, err := a.ledger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger %q: %s\n", a.cfg.Ledger, describe(err))
		return subcommands.ExitFailure
	}
	im := a.importer(l)

	status = subcommands.ExitSuccess
	for _, path := range f.Args() {
		content, err := readContent(path, c.name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %q: %v\n", path, err)
			status = subcommands.ExitFailure
			continue
		}
		res, err := im.Import(ctx, content, ingest.ImportOptions{SkipDuplicates: c.skipDuplicates})
		if err != nil {
			if res.Fetched > 0 {
				printMarkdown(fmt.Sprintf("# %s\n\n", path) + renderer.RenderResult(res))
			}
			fmt.Fprintf(os.Stderr, "Error importing %q: %s\n", path, describe(err))
			status = subcommands.ExitFailure
			continue
		}
		printMarkdown(fmt.Sprintf("# %s\n\n", path) + renderer.RenderResult(res))
		if res.Cancelled {
			return subcommands.ExitFailure
		}
	}
	return status
}

// --- Detect Command ---

type detectCmd struct {
	name string
}

func (*detectCmd) Name() string     { return "detect" }
func (*detectCmd) Synopsis() string { return "print the detected format of files, without importing them" }
func (*detectCmd) Usage() string {
	return `btl detect [-name <name>] <file>...

  Prints the format each file would be imported with.
`
}

func (c *detectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.name, "name", "", "File name of the standard input, for format detection")
}

func (c *detectCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	formats := format.Default(format.Options{})
	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		content, err := readContent(path, c.name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %q: %v\n", path, err)
			status = subcommands.ExitFailure
			continue
		}
		v, err := formats.Detect(content)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error detecting %q: %s\n", path, describe(err))
			status = subcommands.ExitFailure
			continue
		}
		fmt.Printf("%s: %s\n", path, v.Name())
	}
	return status
}
