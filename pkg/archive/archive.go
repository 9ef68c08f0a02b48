// Package archive keeps a copy of every report body outside the database.
package archive

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/sirupsen/logrus"
)

// ErrURLUnsupported is returned by URL when the backend cannot hand out
// links to archived copies.
var ErrURLUnsupported = errors.New("archive backend does not serve urls")

// Archiver stores report copies.
type Archiver interface {
	// Put writes (or overwrites) the copy of r.
	Put(ctx context.Context, r *report.Report) error

	// Delete removes the copy of r. A missing copy is not an error.
	Delete(ctx context.Context, r *report.Report) error

	// URL returns a time-limited link to the copy of r.
	URL(ctx context.Context, r *report.Report) (string, error)

	// Name identifies the backend in logs.
	Name() string
}

// New returns the archiver selected by cfg, or a no-op archiver when no
// backend is enabled.
func New(log logrus.FieldLogger, cfg *config.ArchiveConfig) (Archiver, error) {
	switch {
	case cfg.S3.Enabled:
		return NewS3Archiver(log, &cfg.S3)
	case cfg.Local.Enabled:
		return NewLocalArchiver(log, &cfg.Local)
	default:
		return Noop{}, nil
	}
}

// Key returns the object key of a report copy:
// "<prefix>/<user_id>/<report_id>.md". Path separators inside the ids
// are neutralised so a key always has exactly two components under
// prefix.
func Key(prefix string, r *report.Report) string {
	name := path.Join(segment(r.UserID), segment(r.ReportID)+".md")

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}

	return prefix + "/" + name
}

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

func segment(s string) string {
	s = segmentReplacer.Replace(s)
	if s == "" || s == "." {
		return "_"
	}

	return s
}

// Noop discards every copy.
type Noop struct{}

var _ Archiver = Noop{}

func (Noop) Put(context.Context, *report.Report) error    { return nil }
func (Noop) Delete(context.Context, *report.Report) error { return nil }
func (Noop) Name() string                                 { return "none" }

func (Noop) URL(context.Context, *report.Report) (string, error) {
	return "", ErrURLUnsupported
}
