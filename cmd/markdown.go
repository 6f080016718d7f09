package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
)

// raw disables the terminal rendering of markdown output.
var raw = os.Getenv("HODL_RAW_OUTPUT") != ""

// printMarkdown renders md for the terminal, falling back to plain markdown.
func printMarkdown(md string) {
	if raw {
		fmt.Print(md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		fmt.Print(md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Print(md)
		return
	}
	fmt.Print(out)
}
