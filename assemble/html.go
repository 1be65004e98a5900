package assemble

import (
	"bytes"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// pageTemplate wraps the rendered body for printing. Every slide heading
// except the first forces a page break so the PDF mirrors the deck's
// pagination.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
body { font-family: sans-serif; padding: 20px; line-height: 1.6; }
img { max-width: 100%; height: auto; display: block; margin: 20px auto; border: 1px solid #ddd; }
h2 { border-bottom: 2px solid #333; padding-bottom: 10px; margin-top: 30px; page-break-before: always; }
h2:first-of-type { page-break-before: auto; }
blockquote { background: #f9f9f9; border-left: 10px solid #ccc; margin: 1.5em 10px; padding: 0.5em 10px; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var sanitizer = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowRelativeURLs(true)
	return p
}()

// RenderHTML converts the Markdown document to a printable HTML page.
// Relative ./images references are rewritten to absolute file:// URLs under
// imageBase so a browser loaded from anywhere resolves them.
func RenderHTML(markdown, imageBase string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}

	body := sanitizer.Sanitize(buf.String())

	abs, err := filepath.Abs(imageBase)
	if err != nil {
		return "", fmt.Errorf("resolve image base: %w", err)
	}
	body = strings.ReplaceAll(body, "./images", "file://"+filepath.ToSlash(abs))

	var page bytes.Buffer
	err = pageTemplate.Execute(&page, struct{ Body template.HTML }{Body: template.HTML(body)})
	if err != nil {
		return "", fmt.Errorf("execute page template: %w", err)
	}
	return page.String(), nil
}
