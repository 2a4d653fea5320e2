package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdownOnce     sync.Once
	markdownInstance goldmark.Markdown
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.DefinitionList,
			),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		)
	})

	return markdownInstance
}

// LoadContent reads a page's content file relative to basePath. Markdown
// (.md, .markdown) is converted to HTML; .html and .htm are used as is. An
// empty path yields empty content.
func LoadContent(basePath, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(basePath, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return string(data), nil
	case ".md", ".markdown":
		return Markdown(data)
	default:
		return "", fmt.Errorf("unsupported content type %q", filepath.Ext(path))
	}
}

// Markdown converts markdown source to HTML
func Markdown(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := markdown().Convert(src, &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}

	return buf.String(), nil
}
