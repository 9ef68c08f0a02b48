// Package export renders stored reports into downloadable files.
package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethpandaops/reportvault/pkg/mdtable"
	"github.com/ethpandaops/reportvault/pkg/report"
)

// Format is a supported download format.
type Format string

// Supported formats.
const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
)

const timestampLayout = "20060102_150405"

// File is a rendered download.
type File struct {
	Content   string `json:"content"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Format    Format `json:"format"`
}

// Options tunes rendering.
type Options struct {
	CSV mdtable.Options
}

// ParseFormat validates a client-supplied format. An empty string
// selects markdown.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatMarkdown, nil
	case FormatMarkdown, FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", report.Invalid("format", "unsupported, use one of markdown, csv, json")
	}
}

// Extension returns the file extension, including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return ".json"
	case FormatCSV:
		return ".csv"
	default:
		return ".md"
	}
}

// MediaType returns the MIME type of the rendered content.
func (f Format) MediaType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	default:
		return "text/markdown"
	}
}

// envelope is the structured JSON rendering. Field order is part of the
// output.
type envelope struct {
	Title      string            `json:"title"`
	SourceType report.SourceKind `json:"source_type"`
	CreatedAt  *string           `json:"created_at"`
	Content    string            `json:"content"`
	Metadata   metadata          `json:"metadata"`
}

type metadata struct {
	FilePath       *string  `json:"file_path"`
	FileName       *string  `json:"file_name"`
	TableNames     []string `json:"table_names"`
	RecordCount    *int64   `json:"record_count"`
	ProcessingTime *float64 `json:"processing_time"`
}

// Render produces the download of r in format f, stamping the filename
// with now.
func Render(r *report.Report, f Format, now time.Time, opts Options) (*File, error) {
	var (
		content string
		err     error
	)

	switch f {
	case FormatMarkdown:
		content = r.Content
	case FormatJSON:
		content, err = renderJSON(r)
	case FormatCSV:
		content, err = mdtable.ExtractCSV(r.Content, opts.CSV)
	default:
		return nil, report.Invalid("format", "unsupported, use one of markdown, csv, json")
	}

	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", f, err)
	}

	return &File{
		Content:   content,
		Filename:  Filename(r.Title, now, f),
		MediaType: f.MediaType(),
		Format:    f,
	}, nil
}

func renderJSON(r *report.Report) (string, error) {
	env := envelope{
		Title:      r.Title,
		SourceType: r.SourceType,
		Content:    r.Content,
		Metadata: metadata{
			FilePath:       r.FilePath,
			FileName:       r.FileName,
			TableNames:     r.TableNames,
			RecordCount:    r.RecordCount,
			ProcessingTime: r.ProcessingTime,
		},
	}

	if !r.CreatedAt.IsZero() {
		ts := r.CreatedAt.Format(time.RFC3339Nano)
		env.CreatedAt = &ts
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}

	return string(data), nil
}

// Filename builds "<title with spaces as underscores>_<YYYYMMDD_HHMMSS><ext>".
// Other characters are kept as-is.
func Filename(title string, now time.Time, f Format) string {
	return strings.ReplaceAll(title, " ", "_") + "_" + now.Format(timestampLayout) + f.Extension()
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename reduces name to characters that are safe in a file system
// path and a Content-Disposition header.
func SafeFilename(name string) string {
	safe := strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
	if safe == "" {
		return "report"
	}

	return safe
}
