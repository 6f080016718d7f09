// Package cmd implements the btl command line application: import
// transaction files, sync exchange accounts and inspect the ledger.
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/config"
	"github.com/etnz/hodl/exchange"
	"github.com/etnz/hodl/exchange/binance"
	"github.com/etnz/hodl/exchange/coinbase"
	"github.com/etnz/hodl/exchange/kraken"
	"github.com/etnz/hodl/format"
	"github.com/etnz/hodl/fx"
	"github.com/etnz/hodl/ingest"
	"github.com/etnz/hodl/ledger"
	"github.com/etnz/hodl/vault"
	"github.com/google/subcommands"
)

// as a CLI application, it has a very short lived lifecycle, so it is ok to use global variables.

var (
	envFile    = flag.String("env", os.Getenv(EnvDotEnv), "Path to the .env file to load, ./.env by default")
	ledgerPath = flag.String("ledger", "", "Path to the ledger (.jsonl, or .db for SQLite), overrides HODL_LEDGER")
	currency   = flag.String("currency", "", "Currency of records that declare none, overrides HODL_CURRENCY")
	// Verbose enables debug logs.
	Verbose = flag.Bool("v", false, "Enable debug logs")
)

// Commands returns the commands of the application.
func Commands() []subcommands.Command {
	return []subcommands.Command{
		&importCmd{},
		&detectCmd{},
		&exchangeCmd{},
		&listCmd{},
		&exportCmd{},
		&ratesCmd{},
		&serveCmd{},
		&topicCmd{},
	}
}

var groups = map[string]string{
	"import":   "ingestion",
	"detect":   "ingestion",
	"exchange": "ingestion",
	"list":     "ledger",
	"export":   "ledger",
	"rates":    "ledger",
	"serve":    "server",
	"topic":    "help",
}

// Register the subcommands.
// A main package will call Register() to allow subcommands, and Execute() on the user-selected one.
func Register(c *subcommands.Commander) {
	c.Register(c.HelpCommand(), "")
	c.Register(c.FlagsCommand(), "")
	c.Register(c.CommandsCommand(), "")
	for _, cmd := range Commands() {
		c.Register(cmd, groups[cmd.Name()])
	}
}

// app holds what a command needs, built on demand from the configuration.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	closers []func() error
}

// newApp loads the configuration and sets up logging.
func newApp() (*app, error) {
	cfg, err := config.Load(*envFile)
	if err != nil {
		return nil, err
	}
	if *ledgerPath != "" {
		cfg.Ledger = *ledgerPath
	}
	if *currency != "" {
		cfg.Currency = *currency
	}
	if err := cfg.Validate("ledger", "currency"); err != nil {
		return nil, err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if *Verbose {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Level: level})
	log.SetDefault(logger)
	return &app{cfg: cfg, logger: logger}, nil
}

// Close releases everything the app opened.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func (a *app) ledger() (hodl.Ledger, error) {
	l, err := ledger.Open(a.cfg.Ledger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return ledger.Close(l) })
	return l, nil
}

func (a *app) rates() *fx.Service {
	r := a.cfg.Rates
	return fx.New(fx.HTTPSource{
		URL:    r.URL,
		Path:   r.Path,
		Base:   r.Base,
		Client: &http.Client{Timeout: r.Timeout},
	}, fx.Options{Freshness: r.Freshness, Timeout: r.Timeout, Logger: a.logger.With("component", "fx")})
}

func (a *app) importer(l hodl.Ledger) *ingest.Importer {
	return &ingest.Importer{
		Formats: format.Default(format.Options{Currency: a.cfg.Currency}),
		Rates:   a.rates(),
		Merger:  ingest.NewMerger(l),
		Logger:  a.logger,
	}
}

// vault opens the credential vault. A .db path is a bbolt database, any other a JSON document.
func (a *app) vault() (*vault.Vault, error) {
	if err := a.cfg.Validate("vault", "secret"); err != nil {
		return nil, err
	}
	var store vault.Store
	switch strings.ToLower(filepath.Ext(a.cfg.Vault.Path)) {
	case ".db", ".bolt":
		s, err := vault.OpenBoltStore(a.cfg.Vault.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		store = s
	default:
		store = vault.FileStore{Path: a.cfg.Vault.Path}
	}
	return vault.New(store, a.cfg.Vault.Secret, vault.Options{Salt: a.cfg.Vault.Salt, Logger: a.logger.With("component", "vault")})
}

// registry returns the supported exchanges.
func registry() *exchange.Registry {
	r := exchange.NewRegistry()
	r.Register("kraken", kraken.New)
	r.Register("coinbase", coinbase.New)
	r.Register("binance", binance.New)
	return r
}

// ExchangeIDs returns the ids of the supported exchanges.
func ExchangeIDs() []string { return registry().IDs() }

func (a *app) exchanges() (*ingest.Exchanges, error) {
	v, err := a.vault()
	if err != nil {
		return nil, err
	}
	return &ingest.Exchanges{Registry: registry(), Vault: v, BaseURLs: a.cfg.BaseURLs(), Logger: a.logger}, nil
}

// syncer returns a Syncer merging into l, sharing the merger m.
func (a *app) syncer(ex *ingest.Exchanges, l hodl.Ledger, m *ingest.Merger) *ingest.Syncer {
	if m == nil {
		m = ingest.NewMerger(l)
	}
	return &ingest.Syncer{Exchanges: ex, Rates: a.rates(), Merger: m, Logger: a.logger}
}

// describe formats an error for the terminal, with its reason when it has one.
func describe(err error) string {
	if r := hodl.ReasonOf(err); r != hodl.Internal {
		return fmt.Sprintf("%v (%s)", err, r)
	}
	return err.Error()
}

// start builds the app or reports why it cannot.
func start() (*app, subcommands.ExitStatus) {
	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", describe(err))
		return nil, subcommands.ExitFailure
	}
	return a, subcommands.ExitSuccess
}
