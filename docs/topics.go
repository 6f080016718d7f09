// Package docs holds the documentation topics printed by "btl topic".
package docs

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

//go:embed *.md
var docs embed.FS

// Topic is a documentation page.
type Topic struct {
	Name  string // file name without extension
	Title string // first level one heading
}

// GetTopic returns the content of a documentation topic, "*" for all of them.
func GetTopic(topic string) (string, error) {
	if topic == "*" {
		names, err := GetAllTopics()
		if err != nil {
			return "", err
		}
		return GetTopics(names...)
	}
	content, err := docs.ReadFile(topic + ".md")
	if err != nil {
		return "", fmt.Errorf("topic %q not found: %w", topic, err)
	}
	return string(content), nil
}

// GetTopics returns the content of multiple documentation topics concatenated together.
func GetTopics(topics ...string) (string, error) {
	var b bytes.Buffer
	for _, topic := range topics {
		content, err := GetTopic(topic)
		if err != nil {
			return "", err
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// GetAllTopics returns the names of the topics, sorted. The readme is the index, not a topic.
func GetAllTopics() ([]string, error) {
	var topics []string
	err := fs.WalkDir(docs, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if base == "readme" {
			return nil
		}
		topics = append(topics, base)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(topics)
	return topics, nil
}

// Topics describes every topic.
func Topics() ([]Topic, error) {
	names, err := GetAllTopics()
	if err != nil {
		return nil, err
	}
	res := make([]Topic, 0, len(names))
	for _, name := range names {
		content, err := GetTopic(name)
		if err != nil {
			return nil, err
		}
		res = append(res, Topic{Name: name, Title: Title([]byte(content))})
	}
	return res, nil
}

// Title returns the text of the first level one heading of a markdown document.
func Title(src []byte) string {
	root := goldmark.DefaultParser().Parse(text.NewReader(src))
	var title string
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || title != "" {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 1 {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		for c := h.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.Write(t.Segment.Value(src))
			}
		}
		title = b.String()
		return ast.WalkStop, nil
	})
	return title
}
