// Package export renders entries as standalone documents for download.
package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/untoldecay/elogd/internal/attachments"
	"github.com/untoldecay/elogd/internal/types"
)

// ErrNotConfigured is returned by exporters that need an external tool
// which has not been set up.
var ErrNotConfigured = errors.New("exporter not configured")

// HTML renders an entry and its followups as one self-contained HTML
// document, with referenced images embedded as data: URIs.
type HTML struct {
	Pipeline *attachments.Pipeline
	// URLPrefix is the attachment URL prefix found in stored content.
	URLPrefix string
}

var htmlTemplate = template.Must(template.New("entry").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em auto; max-width: 50em; }
article { border-top: 1px solid #ccc; padding: 1em 0; }
.meta { color: #666; font-size: 0.9em; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Parts}}<article>
<div class="meta">{{.Timestamp}}{{if .Authors}} &mdash; {{.Authors}}{{end}}</div>
{{.Content}}
</article>
{{end}}</body>
</html>
`))

type htmlPart struct {
	Timestamp string
	Authors   string
	Content   template.HTML
}

// Export writes the document: one article per entry, in the order
// given. Callers pass a thread root followed by its followups, or a
// whole logbook's worth of entries.
func (e *HTML) Export(_ context.Context, w io.Writer, title string, entries []*types.Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("nothing to export")
	}
	parts := make([]htmlPart, 0, len(entries))
	for _, part := range entries {
		content := part.Content
		if e.Pipeline != nil {
			embedded, err := e.Pipeline.EmbedImages(content, e.URLPrefix)
			if err != nil {
				return fmt.Errorf("failed to embed images of entry %d: %w", part.ID, err)
			}
			content = embedded
		}
		parts = append(parts, htmlPart{
			Timestamp: part.Timestamp().UTC().Format(time.RFC1123),
			Authors:   authorLine(part.Authors),
			Content:   template.HTML(content),
		})
	}

	if title == "" {
		title = fmt.Sprintf("Entry %d", entries[0].ID)
	}
	data := struct {
		Title string
		Parts []htmlPart
	}{Title: title, Parts: parts}
	if err := htmlTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render export: %w", err)
	}
	return nil
}

func authorLine(authors []types.Author) string {
	line := ""
	for i, a := range authors {
		if i > 0 {
			line += ", "
		}
		line += a.Name
	}
	return line
}

// PDF produces a PDF rendition of entries. The stock build has no PDF
// engine; configuring one is a deployment concern.
type PDF interface {
	Export(ctx context.Context, w io.Writer, title string, entries []*types.Entry) error
}

// NullPDF is the placeholder used when no PDF engine is configured.
type NullPDF struct{}

func (NullPDF) Export(context.Context, io.Writer, string, []*types.Entry) error {
	return ErrNotConfigured
}
