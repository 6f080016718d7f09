package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/etnz/hodl/docs"
	"github.com/google/subcommands"
)

// --- Topic Command ---

type topicCmd struct{}

func (*topicCmd) Name() string     { return "topic" }
func (*topicCmd) Synopsis() string { return "print a documentation topic" }
func (*topicCmd) Usage() string {
	return `btl topic [<name>|*]

  Prints the named topic, every topic with "*", or the list of topics.
`
}

func (*topicCmd) SetFlags(*flag.FlagSet) {}

func (*topicCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	switch f.NArg() {
	case 0:
		topics, err := docs.Topics()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing topics: %v\n", err)
			return subcommands.ExitFailure
		}
		var b strings.Builder
		b.WriteString("# Topics\n\n")
		for _, t := range topics {
			fmt.Fprintf(&b, "* `%s`: %s\n", t.Name, t.Title)
		}
		printMarkdown(b.String())
		return subcommands.ExitSuccess
	case 1:
		content, err := docs.GetTopic(f.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
		printMarkdown(content)
		return subcommands.ExitSuccess
	default:
		fmt.Fprintln(os.Stderr, "Error: topic takes at most one name")
		return subcommands.ExitUsageError
	}
}
