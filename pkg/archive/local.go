package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/fsutil"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/sirupsen/logrus"
)

// localArchiver writes report copies below a directory.
type localArchiver struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.OwnerConfig
}

var _ Archiver = (*localArchiver)(nil)

// NewLocalArchiver creates an archiver rooted at cfg.Dir.
func NewLocalArchiver(
	log logrus.FieldLogger,
	cfg *config.LocalArchiveConfig,
) (Archiver, error) {
	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing archive.local.owner: %w", err)
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving archive dir: %w", err)
	}

	if err := fsutil.MkdirAll(dir, 0o755, owner); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}

	return &localArchiver{
		log:   log.WithField("component", "local-archive"),
		dir:   dir,
		owner: owner,
	}, nil
}

func (a *localArchiver) Name() string {
	return "local"
}

func (a *localArchiver) Put(_ context.Context, r *report.Report) error {
	path := a.path(r)

	if err := fsutil.MkdirAll(filepath.Dir(path), 0o755, a.owner); err != nil {
		return fmt.Errorf("creating owner dir: %w", err)
	}

	if err := fsutil.WriteFileAtomic(path, []byte(r.Content), 0o644, a.owner); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	a.log.WithField("path", path).Debug("Archived report")

	return nil
}

func (a *localArchiver) Delete(_ context.Context, r *report.Report) error {
	if err := fsutil.RemoveIfExists(a.path(r)); err != nil {
		return fmt.Errorf("removing archived report: %w", err)
	}

	return nil
}

func (a *localArchiver) URL(context.Context, *report.Report) (string, error) {
	return "", ErrURLUnsupported
}

func (a *localArchiver) path(r *report.Report) string {
	return filepath.Join(a.dir, filepath.FromSlash(Key("", r)))
}
