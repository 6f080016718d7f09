// Package renderer renders ingestion reports to markdown.
package renderer

import (
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/etnz/hodl"
	"github.com/etnz/hodl/exchange"
	"github.com/etnz/hodl/fx"
	"github.com/etnz/hodl/ingest"
)

//go:embed templates/*.md
var templates embed.FS

var funcs = template.FuncMap{
	"cell": cell,
}

// cell escapes a value for a table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

// RenderResult renders the report of an import or a sync.
func RenderResult(r ingest.Result) string {
	partials := map[string]string{
		"result_errors": "result_errors.md",
	}
	return renderTemplate("result", "result.md", partials, r)
}

// RenderResults renders the reports of several syncs, one section each.
func RenderResults(rs []ingest.Result) string {
	var b strings.Builder
	for i, r := range rs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(RenderResult(r))
	}
	return b.String()
}

// RenderTransactions renders a transaction list. Figures are shown in
// currency when it is tracked and the transaction converted, in the original
// currency otherwise.
func RenderTransactions(txs []hodl.Transaction, currency string) string {
	v := transactionsView{Currency: currency}
	for _, tx := range txs {
		v.Rows = append(v.Rows, row(tx, currency))
		if tx.Type == hodl.Buy {
			v.net = v.net.Add(tx.BTCAmount)
		} else {
			v.net = v.net.Sub(tx.BTCAmount)
		}
	}
	v.Net = hodl.FormatBTC(v.net)
	return renderTemplate("transactions", "transactions.md", nil, v)
}

type quoteView struct {
	From, To, Rate, ObservedAt string
	Estimated                  bool
}

// RenderQuotes renders currency rates.
func RenderQuotes(quotes []fx.Quote) string {
	var v []quoteView
	for _, q := range quotes {
		v = append(v, quoteView{
			From:       q.From,
			To:         q.To,
			Rate:       q.Value.String(),
			ObservedAt: q.ObservedAt.UTC().Format(time.DateTime),
			Estimated:  q.Estimated,
		})
	}
	return renderTemplate("quotes", "quotes.md", nil, v)
}

type accountView struct {
	ID          string
	Configured  bool
	Credentials string
}

// RenderAccounts renders the supported exchanges and their state.
func RenderAccounts(accounts []ingest.Account) string {
	var v []accountView
	for _, a := range accounts {
		var labels []string
		for _, f := range a.Credentials {
			labels = append(labels, f.Label)
		}
		v = append(v, accountView{ID: a.ID, Configured: a.Configured, Credentials: strings.Join(labels, ", ")})
	}
	return renderTemplate("accounts", "accounts.md", nil, v)
}

type balanceView struct {
	Asset, Balance string
}

// RenderBalances renders the balances of exchange id, by asset.
func RenderBalances(id string, b exchange.Balances) string {
	assets := make([]string, 0, len(b))
	for a := range b {
		assets = append(assets, a)
	}
	slices.Sort(assets)
	v := struct {
		ID   string
		Rows []balanceView
	}{ID: id}
	for _, a := range assets {
		v.Rows = append(v.Rows, balanceView{Asset: a, Balance: b[a].String()})
	}
	return renderTemplate("balances", "balances.md", nil, v)
}

// renderTemplate renders a main template that depends on several partials.
func renderTemplate(templateName, mainFile string, partials map[string]string, data any) string {
	mainContent, err := fs.ReadFile(templates, "templates/"+mainFile)
	if err != nil {
		return fmt.Sprintf("error reading main template %q: %v", mainFile, err)
	}

	tmpl, err := template.New(templateName).Funcs(funcs).Parse(string(mainContent))
	if err != nil {
		return fmt.Sprintf("error parsing main template %q: %v", mainFile, err)
	}

	for name, file := range partials {
		content, err := fs.ReadFile(templates, "templates/"+file)
		if err != nil {
			return fmt.Sprintf("error reading partial template %q: %v", file, err)
		}
		if _, err := tmpl.New(name).Parse(string(content)); err != nil {
			return fmt.Sprintf("error parsing partial template %q for %q: %v", file, name, err)
		}
	}

	var b strings.Builder
	if err := tmpl.ExecuteTemplate(&b, templateName, data); err != nil {
		return fmt.Sprintf("error executing template %q: %v", templateName, err)
	}
	return b.String()
}
