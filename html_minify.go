package livepatch

import (
	"strings"
	"sync"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"
)

var (
	minifier *minify.M
	once     sync.Once
)

func getMinifier() *minify.M {
	once.Do(func() {
		minifier = minify.New()
		minifier.AddFunc("text/html", html.Minify)
	})
	return minifier
}

// normalizeHTML compacts the first-paint HTML so the document the
// client parses matches what later materializations produce, byte for
// byte, independent of template indentation.
func normalizeHTML(content string) string {
	if strings.Contains(content, "<") {
		minified, err := getMinifier().String("text/html", content)
		if err != nil {
			return content
		}
		return minified
	}
	return normalizeWhitespace(content)
}

// normalizeWhitespace collapses runs of whitespace in text-only content.
func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
}
