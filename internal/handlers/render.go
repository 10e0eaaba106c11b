package handlers

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdownRenderer turns message markdown into HTML fragments. Raw HTML in the source is escaped.
type markdownRenderer struct {
	md goldmark.Markdown
}

func newMarkdownRenderer() markdownRenderer {
	return markdownRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

func (r markdownRenderer) render(content string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
