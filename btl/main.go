// Command btl ingests bitcoin transactions from files and exchanges into a ledger.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/etnz/hodl/cmd"
	"github.com/etnz/hodl/docs"
	"github.com/google/subcommands"
	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/predict"
)

func main() {
	// Completes and exits when run by the shell completion.
	completion().Complete("btl")

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	cmd.Register(commander)
	flag.Parse()

	if name := flag.Arg(0); name != "" && !builtin(name) {
		if ok, code := cmd.RunExtension(name, flag.Args()[1:]); ok {
			os.Exit(code)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// builtin reports whether name is a command of btl itself.
func builtin(name string) bool {
	switch name {
	case "help", "flags", "commands":
		return true
	}
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

// completion describes the commands and flags for shell completion.
func completion() *complete.Command {
	root := &complete.Command{
		Sub:   map[string]*complete.Command{"help": {}, "flags": {}, "commands": {}},
		Flags: flags(flag.CommandLine),
	}
	root.Flags["ledger"] = predict.Files("*")
	root.Flags["env"] = predict.Files("*")
	for _, c := range cmd.Commands() {
		root.Sub[c.Name()] = command(c)
	}
	return root
}

func command(c subcommands.Command) *complete.Command {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(fs)
	cc := &complete.Command{Flags: flags(fs)}
	if g, ok := c.(interface{ Subcommands() []subcommands.Command }); ok {
		cc.Sub = make(map[string]*complete.Command)
		for _, s := range g.Subcommands() {
			cc.Sub[s.Name()] = command(s)
		}
	}
	switch c.Name() {
	case "import", "detect":
		cc.Args = predict.Files("*")
	case "test", "save", "delete", "sync", "balances":
		cc.Args = predict.Set(cmd.ExchangeIDs())
	case "topic":
		topics, _ := docs.GetAllTopics()
		cc.Args = predict.Set(topics)
	}
	if _, ok := cc.Flags["o"]; ok {
		cc.Flags["o"] = predict.Files("*")
	}
	return cc
}

func flags(fs *flag.FlagSet) map[string]complete.Predictor {
	res := make(map[string]complete.Predictor)
	fs.VisitAll(func(f *flag.Flag) {
		if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
			res[f.Name] = predict.Nothing
			return
		}
		res[f.Name] = predict.Something
	})
	return res
}
