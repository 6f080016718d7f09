package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/etnz/hodl/exchange"
	"github.com/etnz/hodl/ingest"
	"github.com/etnz/hodl/renderer"
	"github.com/google/subcommands"
)

// exchangeCmd groups the exchange account commands.
type exchangeCmd struct{}

func (*exchangeCmd) Name() string     { return "exchange" }
func (*exchangeCmd) Synopsis() string { return "manage exchange accounts and sync their transactions" }
func (c *exchangeCmd) Usage() string {
	var b strings.Builder
	b.WriteString("btl exchange <command> [flags] [args]\n\n  Commands:\n")
	for _, s := range c.Subcommands() {
		fmt.Fprintf(&b, "    %-10s %s\n", s.Name(), s.Synopsis())
	}
	b.WriteString(`
  Credentials are stored encrypted in the vault (HODL_VAULT) with a key
  derived from HODL_SECRET.
`)
	return b.String()
}

func (*exchangeCmd) SetFlags(f *flag.FlagSet) {}

// Subcommands returns the exchange commands.
func (*exchangeCmd) Subcommands() []subcommands.Command {
	return []subcommands.Command{
		&exchangeListCmd{},
		&exchangeTestCmd{},
		&exchangeSaveCmd{},
		&exchangeDeleteCmd{},
		&exchangeSyncCmd{},
		&exchangeBalancesCmd{},
	}
}

func (c *exchangeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cdr := subcommands.NewCommander(f, "btl exchange")
	cdr.Register(cdr.HelpCommand(), "")
	for _, s := range c.Subcommands() {
		cdr.Register(s, "")
	}
	return cdr.Execute(ctx, args...)
}

// openExchanges starts the app and opens the exchange accounts.
func openExchanges() (*app, *ingest.Exchanges, subcommands.ExitStatus) {
	a, status := start()
	if a == nil {
		return nil, nil, status
	}
	ex, err := a.exchanges()
	if err != nil {
		a.Close()
		fmt.Fprintf(os.Stderr, "Error opening the vault: %s\n", describe(err))
		return nil, nil, subcommands.ExitFailure
	}
	return a, ex, subcommands.ExitSuccess
}

// credentialFlags collects -c name=value pairs.
type credentialFlags exchange.Credentials

func (c credentialFlags) String() string {
	// values are secrets
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (c credentialFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("invalid credential %q, want name=value", s)
	}
	c[strings.TrimSpace(name)] = value
	return nil
}

// credentials completes c with the HODL_<ID>_<NAME> environment variables.
func (c credentialFlags) credentials(id string, fields []exchange.Field) exchange.Credentials {
	creds := exchange.Credentials{}
	for _, f := range fields {
		if v := os.Getenv("HODL_" + strings.ToUpper(id) + "_" + strings.ToUpper(f.Name)); v != "" {
			creds[f.Name] = v
		}
	}
	for n, v := range c {
		creds[n] = v
	}
	return creds
}

const credentialsUsage = `
  Credentials are given with -c name=value, or the HODL_<EXCHANGE>_<NAME>
  environment variable (HODL_KRAKEN_APIKEY). Run "btl exchange list" for the
  names each exchange requires.
`

// --- exchange list ---

type exchangeListCmd struct{}

func (*exchangeListCmd) Name() string     { return "list" }
func (*exchangeListCmd) Synopsis() string { return "list the supported exchanges and their state" }
func (*exchangeListCmd) Usage() string    { return "btl exchange list\n" }
func (*exchangeListCmd) SetFlags(*flag.FlagSet) {}

func (*exchangeListCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, ex, status := openExchanges()
	if a == nil {
		return status
	}
	defer a.Close()
	accounts, err := ex.Available()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing exchanges: %s\n", describe(err))
		return subcommands.ExitFailure
	}
	printMarkdown(renderer.RenderAccounts(accounts))
	return subcommands.ExitSuccess
}

// --- exchange test ---

type exchangeTestCmd struct {
	creds credentialFlags
}

func (*exchangeTestCmd) Name() string     { return "test" }
func (*exchangeTestCmd) Synopsis() string { return "check credentials without storing them" }
func (*exchangeTestCmd) Usage() string {
	return "btl exchange test -c <name>=<value>... <exchange>\n" + credentialsUsage
}

func (c *exchangeTestCmd) SetFlags(f *flag.FlagSet) {
	c.creds = credentialFlags{}
	f.Var(c.creds, "c", "Credential as name=value, repeatable")
}

func (c *exchangeTestCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	id := strings.ToLower(f.Arg(0))
	a, ex, status := openExchanges()
	if a == nil {
		return status
	}
	defer a.Close()
	ad, err := ex.Adapter(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		return subcommands.ExitFailure
	}
	ok, err := ex.TestConnection(ctx, id, c.creds.credentials(id, ad.RequiredCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error testing %s: %s\n", id, describe(err))
		return subcommands.ExitFailure
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "❌ %s rejected the credentials.\n", id)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "✅ %s accepted the credentials.\n", id)
	return subcommands.ExitSuccess
}

// --- exchange save ---

type exchangeSaveCmd struct {
	creds credentialFlags
}

func (*exchangeSaveCmd) Name() string     { return "save" }
func (*exchangeSaveCmd) Synopsis() string { return "test credentials and store them in the vault" }
func (*exchangeSaveCmd) Usage() string {
	return "btl exchange save -c <name>=<value>... <exchange>\n" + credentialsUsage
}

func (c *exchangeSaveCmd) SetFlags(f *flag.FlagSet) {
	c.creds = credentialFlags{}
	f.Var(c.creds, "c", "Credential as name=value, repeatable")
}

func (c *exchangeSaveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	id := strings.ToLower(f.Arg(0))
	a, ex, status := openExchanges()
	if a == nil {
		return status
	}
	defer a.Close()
	ad, err := ex.Adapter(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		return subcommands.ExitFailure
	}
	if err := ex.SaveCredentials(ctx, id, c.creds.credentials(id, ad.RequiredCredentials())); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving %s credentials: %s\n", id, describe(err))
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "✅ %s credentials saved.\n", id)
	return subcommands.ExitSuccess
}

// --- exchange delete ---

type exchangeDeleteCmd struct{}

func (*exchangeDeleteCmd) Name() string     { return "delete" }
func (*exchangeDeleteCmd) Synopsis() string { return "delete the stored credentials of an exchange" }
func (*exchangeDeleteCmd) Usage() string    { return "btl exchange delete <exchange>\n" }
func (*exchangeDeleteCmd) SetFlags(*flag.FlagSet) {}

func (*exchangeDeleteCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	id := strings.ToLower(f.Arg(0))
	a, ex, status := openExchanges()
	if a == nil {
		return status
	}
	defer a.Close()
	if err := ex.DeleteCredentials(id); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting %s credentials: %s\n", id, describe(err))
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "%s credentials deleted.\n", id)
	return subcommands.ExitSuccess
}

// --- exchange sync ---

type exchangeSyncCmd struct {
	start, end string
}

func (*exchangeSyncCmd) Name() string     { return "sync" }
func (*exchangeSyncCmd) Synopsis() string { return "merge the transactions of exchange accounts into the ledger" }
func (*exchangeSyncCmd) Usage() string {
	return `btl exchange sync [-start <date>] [-end <date>] [<exchange>...]

  Fetches the transactions of the given exchanges, or of every configured
  one, and merges them into the ledger. Transactions already in the ledger
  are recognized by their exchange id and skipped.
`
}

func (c *exchangeSyncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.start, "start", "", "Only transactions on or after this date")
	f.StringVar(&c.end, "end", "", "Only transactions on or before this date")
}

func (c *exchangeSyncCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, ex, status := openExchanges()
	if a == nil {
		return status
	}
	defer a.Close()
	l, err := a.ledger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger %q: %s\n", a.cfg.Ledger, describe(err))
		return subcommands.ExitFailure
	}
	s := a.syncer(ex, l, nil)
	opts := ingest.SyncOptions{StartDate: c.start, EndDate: c.end}

	if f.NArg() == 0 {
		results, err := s.SyncAll(ctx, opts)
		printMarkdown(renderer.RenderResults(results))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error syncing: %s\n", describe(err))
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	status = subcommands.ExitSuccess
	for _, id := range f.Args() {
		res, err := s.Sync(ctx, strings.ToLower(id), opts)
		if err != nil {
			if res.Fetched > 0 {
				printMarkdown(renderer.RenderResult(res))
			}
			fmt.Fprintf(os.Stderr, "Error syncing %s: %s\n", id, describe(err))
			status = subcommands.ExitFailure
			continue
		}
		printMarkdown(renderer.RenderResult(res))
	}
	return status
}

// --- exchange balances ---

type exchangeBalancesCmd struct{}

func (*exchangeBalancesCmd) Name() string     { return "balances" }
func (*exchangeBalancesCmd) Synopsis() string { return "print the balances of an exchange account" }
func (*exchangeBalancesCmd) Usage() string    { return "btl exchange balances <exchange>\n" }
func (*exchangeBalancesCmd) SetFlags(*flag.FlagSet) {}

func (*exchangeBalancesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	id := strings.ToLower(f.Arg(0))
	a, ex, status := openExchanges()
	if a == nil {
		return status
	}
	defer a.Close()
	b, err := ex.Balances(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching %s balances: %s\n", id, describe(err))
		return subcommands.ExitFailure
	}
	printMarkdown(renderer.RenderBalances(id, b))
	return subcommands.ExitSuccess
}
