package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/renderer"
	"github.com/google/subcommands"
)

type ratesCmd struct {
	base string
}

func (*ratesCmd) Name() string     { return "rates" }
func (*ratesCmd) Synopsis() string { return "fetch and print the currency rates used for conversions" }
func (*ratesCmd) Usage() string {
	return `btl rates [-base <currency>]

  Fetches the rates from the configured source (HODL_RATES_URL) and prints
  them against -base.
`
}

func (c *ratesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.base, "base", hodl.USD, "Currency the rates are quoted against")
}

func (c *ratesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	base, err := hodl.ParseCurrency(strings.TrimSpace(c.base))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		return subcommands.ExitUsageError
	}
	a, status := start()
	if a == nil {
		return status
	}
	defer a.Close()

	rates := a.rates()
	if err := rates.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching rates: %s\n", describe(err))
		return subcommands.ExitFailure
	}
	printMarkdown(renderer.RenderQuotes(rates.Quotes(base)))
	return subcommands.ExitSuccess
}
