// Package lifecycle orchestrates report creation, retrieval, mutation,
// deletion, analytics and downloads on behalf of an authenticated owner.
//
// Every operation that addresses a single report checks ownership before
// reading or touching anything else. Writes are followed by best-effort
// side effects (archive copy, lifecycle event, metrics); a failed side
// effect is logged and counted but never fails the operation, and the
// operation never waits for it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/reportvault/pkg/analytics"
	"github.com/ethpandaops/reportvault/pkg/archive"
	"github.com/ethpandaops/reportvault/pkg/events"
	"github.com/ethpandaops/reportvault/pkg/export"
	"github.com/ethpandaops/reportvault/pkg/mdtable"
	"github.com/ethpandaops/reportvault/pkg/metrics"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/ethpandaops/reportvault/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultListLimit is used when a list query carries no limit.
	DefaultListLimit = 50

	// DefaultMaxListLimit caps list queries.
	DefaultMaxListLimit = 1000

	sideEffectTimeout = 10 * time.Second

	// sideEffectQueueSize bounds the writes whose side effects may be
	// pending at once. Beyond it, side effects are dropped and counted.
	sideEffectQueueSize = 256
)

// Config tunes the service.
type Config struct {
	DefaultListLimit int
	MaxListLimit     int
	// HideForeign reports foreign reports as not found instead of
	// access denied.
	HideForeign bool
	CSV         mdtable.Options
}

// ListQuery filters a listing.
type ListQuery struct {
	// SourceType is an optional source kind filter.
	SourceType string
	// Limit is the page size. Zero selects the default; values above the
	// maximum are clamped.
	Limit int
}

// Option customises a Service.
type Option func(*Service)

// WithArchiver sets the archive backend.
func WithArchiver(a archive.Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the report id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// Service is the report lifecycle service.
type Service struct {
	log        logrus.FieldLogger
	store      store.Store
	aggregator *analytics.Aggregator
	archiver   archive.Archiver
	publisher  events.Publisher
	cfg        Config
	now        func() time.Time
	newID      func() string

	effects chan sideEffect
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// sideEffect is the archive and event work queued after one write.
type sideEffect struct {
	ctx     context.Context
	report  report.Report
	archive func(context.Context, *report.Report) error
	event   events.Event
}

// NewService creates a Service and starts its side-effect worker. Archive
// and events default to no-ops. Close stops the worker.
func NewService(
	log logrus.FieldLogger,
	st store.Store,
	aggregator *analytics.Aggregator,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.DefaultListLimit <= 0 {
		cfg.DefaultListLimit = DefaultListLimit
	}

	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = DefaultMaxListLimit
	}

	s := &Service{
		log:        log.WithField("component", "lifecycle"),
		store:      st,
		aggregator: aggregator,
		archiver:   archive.Noop{},
		publisher:  events.Noop{},
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		effects:    make(chan sideEffect, sideEffectQueueSize),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)

	go s.runSideEffects()

	return s
}

// Close stops accepting side effects and waits for the queued ones to
// finish. Writes after Close still succeed, without side effects.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.effects)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Create persists a new report owned by owner.
func (s *Service) Create(
	ctx context.Context,
	owner string,
	d report.Draft,
) (_ *report.Report, err error) {
	defer func() { observe("create", err) }()

	r, err := report.New(s.newID(), owner, d, s.clock())
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateReport(ctx, r); err != nil {
		return nil, err
	}

	metrics.ReportsCreatedTotal.WithLabelValues(string(r.SourceType), string(r.Status)).Inc()

	s.log.WithFields(logrus.Fields{
		"report_id":   r.ReportID,
		"user_id":     owner,
		"source_type": r.SourceType,
	}).Info("Report created")

	s.afterWrite(ctx, events.TypeCreated, r)

	return r, nil
}

// Get returns the report if owner owns it.
func (s *Service) Get(
	ctx context.Context,
	owner, id string,
) (_ *report.Report, err error) {
	defer func() { observe("get", err) }()

	return s.owned(ctx, owner, id)
}

// List returns owner's reports newest first.
func (s *Service) List(
	ctx context.Context,
	owner string,
	q ListQuery,
) (_ []report.Report, err error) {
	defer func() { observe("list", err) }()

	filter := store.ListFilter{UserID: owner}

	if q.SourceType != "" {
		kind := report.SourceKind(q.SourceType)
		if !kind.Valid() {
			return nil, report.Invalid("source_type", "must be one of csv, postgres, google_sheet, other")
		}

		filter.SourceType = kind
	}

	switch {
	case q.Limit < 0:
		return nil, report.Invalid("limit", "must be a positive integer")
	case q.Limit == 0:
		filter.Limit = s.cfg.DefaultListLimit
	default:
		filter.Limit = min(q.Limit, s.cfg.MaxListLimit)
	}

	return s.store.ListReports(ctx, filter)
}

// Update replaces every mutable field of the report with the draft. The
// owner, identifier and creation time never change.
func (s *Service) Update(
	ctx context.Context,
	owner, id string,
	d report.Draft,
) (_ *report.Report, err error) {
	defer func() { observe("update", err) }()

	r, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if err := r.Overwrite(d, s.clock()); err != nil {
		return nil, err
	}

	if err := s.store.UpdateReport(ctx, r); err != nil {
		return nil, err
	}

	s.afterWrite(ctx, events.TypeUpdated, r)

	return r, nil
}

// Patch updates only the fields present in p.
func (s *Service) Patch(
	ctx context.Context,
	owner, id string,
	p report.Patch,
) (_ *report.Report, err error) {
	defer func() { observe("patch", err) }()

	r, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	if err := r.ApplyPatch(p, s.clock()); err != nil {
		return nil, err
	}

	if err := s.store.UpdateReport(ctx, r); err != nil {
		return nil, err
	}

	s.afterWrite(ctx, events.TypeUpdated, r)

	return r, nil
}

// Delete permanently removes the report.
func (s *Service) Delete(
	ctx context.Context,
	owner, id string,
) (err error) {
	defer func() { observe("delete", err) }()

	r, err := s.owned(ctx, owner, id)
	if err != nil {
		return err
	}

	if err := s.store.DeleteReport(ctx, r.ReportID); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"report_id": r.ReportID,
		"user_id":   owner,
	}).Info("Report deleted")

	s.afterDelete(ctx, r)

	return nil
}

// Analytics summarises owner's reports.
func (s *Service) Analytics(
	ctx context.Context,
	owner string,
) (_ *analytics.Summary, err error) {
	defer func() { observe("analytics", err) }()

	return s.aggregator.Compute(ctx, owner)
}

// Download renders the report in the requested format. The format is
// validated before the report is loaded.
func (s *Service) Download(
	ctx context.Context,
	owner, id, format string,
) (_ *export.File, err error) {
	defer func() { observe("download", err) }()

	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}

	r, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	file, err := export.Render(r, f, s.clock(), export.Options{CSV: s.cfg.CSV})
	if err != nil {
		return nil, fmt.Errorf("rendering report %q: %w", id, err)
	}

	metrics.ExportsTotal.WithLabelValues(string(f)).Inc()

	return file, nil
}

// ArchiveURL returns a time-limited link to the archived copy of the
// report. It fails with archive.ErrURLUnsupported when the archive
// backend cannot serve links.
func (s *Service) ArchiveURL(
	ctx context.Context,
	owner, id string,
) (_ string, err error) {
	defer func() { observe("archive_url", err) }()

	r, err := s.owned(ctx, owner, id)
	if err != nil {
		return "", err
	}

	url, err := s.archiver.URL(ctx, r)
	if err != nil {
		return "", fmt.Errorf("resolving archive url: %w", err)
	}

	return url, nil
}

// owned loads the report and checks that owner owns it.
func (s *Service) owned(ctx context.Context, owner, id string) (*report.Report, error) {
	if id == "" {
		return nil, report.Invalid("id", "is required")
	}

	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}

	if !r.OwnedBy(owner) {
		s.log.WithFields(logrus.Fields{
			"report_id": id,
			"user_id":   owner,
		}).Debug("Rejected access to foreign report")

		if s.cfg.HideForeign {
			return nil, fmt.Errorf("getting report %q: %w", id, report.ErrNotFound)
		}

		return nil, fmt.Errorf("report %q: %w", id, report.ErrAccessDenied)
	}

	return r, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) afterWrite(ctx context.Context, t events.Type, r *report.Report) {
	s.enqueue(ctx, r, s.archiver.Put, events.NewEvent(t, r, s.clock()))
}

func (s *Service) afterDelete(ctx context.Context, r *report.Report) {
	s.enqueue(ctx, r, s.archiver.Delete, events.NewEvent(events.TypeDeleted, r, s.clock()))
}

// enqueue hands the side effects of a write to the worker without
// waiting for them. A full queue drops them.
func (s *Service) enqueue(
	ctx context.Context,
	r *report.Report,
	archiveFn func(context.Context, *report.Report) error,
	ev events.Event,
) {
	e := sideEffect{
		ctx:     context.WithoutCancel(ctx),
		report:  *r,
		archive: archiveFn,
		event:   ev,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.sideEffect("queue", r, errors.New("service closed"))

		return
	}

	select {
	case s.effects <- e:
	default:
		s.sideEffect("queue", r, errors.New("side effect queue full"))
	}
}

// runSideEffects applies queued side effects in write order until Close.
func (s *Service) runSideEffects() {
	defer s.wg.Done()

	for e := range s.effects {
		s.apply(e)
	}
}

// apply archives (or un-archives) the report and publishes the event in
// parallel, bounded by sideEffectTimeout.
func (s *Service) apply(e sideEffect) {
	ctx, cancel := context.WithTimeout(e.ctx, sideEffectTimeout)
	defer cancel()

	r := &e.report

	var g errgroup.Group

	g.Go(func() error {
		s.sideEffect("archive", r, e.archive(ctx, r))

		return nil
	})

	g.Go(func() error {
		s.sideEffect("event", r, s.publisher.Publish(ctx, e.event))

		return nil
	})

	_ = g.Wait()
}

func (s *Service) sideEffect(kind string, r *report.Report, err error) {
	if err == nil {
		return
	}

	metrics.SideEffectErrorsTotal.WithLabelValues(kind).Inc()

	s.log.WithError(err).WithFields(logrus.Fields{
		"kind":      kind,
		"report_id": r.ReportID,
	}).Warn("Report side effect failed")
}

// observe counts an operation outcome.
func observe(op string, err error) {
	result := metrics.ResultOK

	switch {
	case err == nil:
	case report.IsDomain(err), errors.Is(err, archive.ErrURLUnsupported):
		result = metrics.ResultRejected
	default:
		result = metrics.ResultError
	}

	metrics.ReportOperationsTotal.WithLabelValues(op, result).Inc()
}
