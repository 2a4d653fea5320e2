package build

import (
	"html"
	"strings"

	"github.com/Norgate-AV/blockbridge/internal/pagecache"
)

// Document assembles the HTML file served for a cached page. The bridge
// script runs before the page's own scripts so __blocks is defined for them.
func Document(item *pagecache.CacheItem) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")

	for _, tag := range item.Head {
		b.WriteString(tag)
		b.WriteString("\n")
	}

	for _, href := range item.CSS {
		b.WriteString(`<link rel="stylesheet" href="`)
		b.WriteString(html.EscapeString(href))
		b.WriteString("\">\n")
	}

	if item.Styles != "" {
		b.WriteString("<style>")
		b.WriteString(item.Styles)
		b.WriteString("</style>\n")
	}

	b.WriteString("</head>\n<body>\n")
	b.WriteString(item.Content)
	b.WriteString("\n")

	if item.Script != "" {
		b.WriteString("<script>")
		b.WriteString(item.Script)
		b.WriteString("</script>\n")
	}

	for _, src := range item.Scripts {
		b.WriteString(`<script src="`)
		b.WriteString(html.EscapeString(src))
		b.WriteString("\"></script>\n")
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}
