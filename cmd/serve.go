package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/etnz/hodl/api"
	"github.com/etnz/hodl/ingest"
	"github.com/google/subcommands"
)

type serveCmd struct {
	addr string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "serve the HTTP API" }
func (*serveCmd) Usage() string {
	return `btl serve [-addr <addr>]

  Serves imports, exchange accounts and the ledger over HTTP until
  interrupted. The address defaults to HODL_ADDR, or :8080.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "Address to listen on")
}

func (c *serveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, ex, status := openExchanges()
	if a == nil {
		return status
	}
	defer a.Close()
	if c.addr != "" {
		a.cfg.Server.Addr = c.addr
	}
	if err := a.cfg.Validate("addr"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		return subcommands.ExitUsageError
	}
	l, err := a.ledger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger %q: %s\n", a.cfg.Ledger, describe(err))
		return subcommands.ExitFailure
	}

	// imports and syncs share the single writer of the ledger
	im := a.importer(l)
	s := &api.Server{
		Importer:  im,
		Syncer:    &ingest.Syncer{Exchanges: ex, Rates: im.Rates, Merger: im.Merger, Logger: a.logger},
		Exchanges: ex,
		Ledger:    l,
		Logger:    a.logger.With("component", "api"),
	}
	srv := s.NewHTTPServer(a.cfg.Server.Addr)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("serving", "addr", a.cfg.Server.Addr, "ledger", a.cfg.Ledger)

	select {
	case err := <-errc:
		fmt.Fprintf(os.Stderr, "Error serving: %v\n", err)
		return subcommands.ExitFailure
	case <-ctx.Done():
	}
	a.logger.Info("shutting down server")
	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error shutting down: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
