package render

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// The converter configuration never changes; goldmark keeps per-call state in Convert.
var (
	converter     goldmark.Markdown
	converterOnce sync.Once
)

func getConverter() goldmark.Markdown {
	converterOnce.Do(func() {
		converter = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return converter
}

// HTML converts markdown to an HTML fragment. Raw HTML in the source is omitted.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := getConverter().Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
