package format

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode"

	"github.com/etnz/hodl"
	"github.com/shopspring/decimal"
)

// delimiter guesses the field delimiter from the header line.
func delimiter(data []byte) rune {
	line, _, _ := bytes.Cut(data, []byte("\n"))
	best, n := ',', bytes.Count(line, []byte(","))
	for _, d := range []rune{';', '\t'} {
		if c := bytes.Count(line, []byte(string(d))); c > n {
			best, n = d, c
		}
	}
	return best
}

func newReader(data []byte) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter(data)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true
	return r
}

// header reads the first row of c.
func header(c Content) ([]string, error) {
	h, err := newReader(c.Body()).Read()
	if err != nil {
		return nil, err
	}
	for i := range h {
		h[i] = strings.TrimSpace(h[i])
	}
	return h, nil
}

// hasHeader reports whether c starts with exactly the columns want.
func hasHeader(c Content, want ...[]string) bool {
	if c.Kind() != Rows {
		return false
	}
	h, err := header(c)
	if err != nil {
		return false
	}
	for _, w := range want {
		if slices.Equal(h, w) {
			return true
		}
	}
	return false
}

// rows splits c into row records keyed by header column.
func rows(c Content) ([]Record, error) {
	data := c.Body()
	r := newReader(data)
	h, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("cannot read header: %w", err)
	}
	for i := range h {
		h[i] = strings.TrimSpace(h[i])
	}
	comma := string(r.Comma)
	var res []Record
	for index := 1; ; index++ {
		row, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("cannot read row %d: %w", index, err)
		}
		if blank(row) {
			index--
			continue
		}
		fields := make(map[string]string, len(h))
		for i, name := range h {
			if i < len(row) {
				fields[name] = strings.TrimSpace(row[i])
			}
		}
		res = append(res, Record{Index: index, Header: h, Fields: fields, Raw: strings.Join(row, comma)})
	}
	return res, nil
}

func blank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// number reads an amount as written in spreadsheets: currency symbols, spaces
// and thousands separators are ignored, the last separator is the decimal one.
func number(field, s string) (decimal.Decimal, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || strings.ContainsRune("€$£¥' ", r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return decimal.Zero, nil
	}
	in, sign := s, ""
	if s[0] == '-' || s[0] == '+' {
		sign, s = s[:1], s[1:]
	}
	bad := fmt.Errorf("invalid %s %q", field, in)
	commas, dots := strings.Count(s, ","), strings.Count(s, ".")
	switch {
	case commas > 0 && dots > 0:
		// the last separator is the decimal one: 1,234.56 or 1.234,56
		point, sep := ".", ","
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			point, sep = ",", "."
		}
		i := strings.LastIndex(s, point)
		whole, ok := ungroup(s[:i], sep)
		if !ok {
			return decimal.Zero, bad
		}
		s = whole + "." + s[i+1:]
	case commas > 1 || dots > 1:
		// 1,234,567 or 1.234.567
		sep := ","
		if dots > 1 {
			sep = "."
		}
		whole, ok := ungroup(s, sep)
		if !ok {
			return decimal.Zero, bad
		}
		s = whole
	case commas == 1:
		// 30,000 is grouped, 0,5 and 0,500 are decimal
		if whole, ok := ungroup(s, ","); ok {
			s = whole
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	d, err := decimal.NewFromString(sign + s)
	if err != nil {
		return decimal.Zero, bad
	}
	return d, nil
}

// ungroup removes the thousands separator sep from s. It reports false
// unless s is a 1 to 3 digit group without a leading zero followed by
// groups of exactly 3 digits.
func ungroup(s, sep string) (string, bool) {
	groups := strings.Split(s, sep)
	if len(groups) < 2 {
		return "", false
	}
	for i, g := range groups {
		if !digits(g) {
			return "", false
		}
		if i == 0 && (len(g) > 3 || g[0] == '0') {
			return "", false
		}
		if i > 0 && len(g) != 3 {
			return "", false
		}
	}
	return strings.Join(groups, ""), true
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// tokens splits a column name into lower case words.
func tokens(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// columnKey is a column name without punctuation nor currency words:
// "Price (EUR)" and "price_usd" are both "price".
func columnKey(name string) string {
	var words []string
	for _, t := range tokens(name) {
		if !hodl.IsSupported(strings.ToUpper(t)) {
			words = append(words, t)
		}
	}
	return strings.Join(words, " ")
}

// scanCurrency returns the first supported currency code found as a word of a
// column name, as in "Price (EUR)", "fiat_usd" or "Fiat (USD)".
func scanCurrency(header []string) (string, bool) {
	for _, name := range header {
		for _, t := range tokens(name) {
			if c := strings.ToUpper(t); hodl.IsSupported(c) {
				return c, true
			}
		}
	}
	return "", false
}

// currencyOf resolves the currency of a record: the declared one, else a
// currency named by a column, else the fallback.
func currencyOf(declared string, header []string, fallback string) (string, error) {
	if strings.TrimSpace(declared) != "" {
		return hodl.ParseCurrency(declared)
	}
	if c, ok := scanCurrency(header); ok {
		return c, nil
	}
	return fallback, nil
}
