// Package web renders the static landing page.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed static/index.html.tmpl
var static embed.FS

var index = template.Must(template.ParseFS(static, "static/index.html.tmpl"))

// Landing holds the values substituted into the landing page.
type Landing struct {
	EntryPath string
	Param     string
}

// Render returns the landing page for the given entry endpoint.
func Render(l Landing) ([]byte, error) {
	var buf bytes.Buffer
	if err := index.Execute(&buf, l); err != nil {
		return nil, fmt.Errorf("render landing page: %w", err)
	}
	return buf.Bytes(), nil
}
