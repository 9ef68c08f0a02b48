package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/reportvault/pkg/analytics"
	"github.com/ethpandaops/reportvault/pkg/archive"
	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/events"
	"github.com/ethpandaops/reportvault/pkg/mdtable"
	"github.com/ethpandaops/reportvault/pkg/store"
	"github.com/sirupsen/logrus"
)

// Stack is a Service together with the store and publisher opened for it.
type Stack struct {
	Service   *Service
	Store     store.Store
	Publisher events.Publisher
}

// Open starts the store and builds the archive, event publisher and
// Service described by cfg. Extra options are applied after the ones
// derived from cfg.
func Open(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.Config,
	opts ...Option,
) (*Stack, error) {
	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.Reports.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.Archive.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	archiver, err := archive.New(log, &cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("initializing archive: %w", err)
	}

	log.WithField("backend", archiver.Name()).Info("Report archive configured")

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	publisher := events.New(log, &cfg.Events)

	svc := NewService(
		log,
		st,
		analytics.NewAggregator(log, st, cfg.Reports.AnalyticsScanLimit, cfg.Reports.RecentReports),
		Config{
			DefaultListLimit: cfg.Reports.DefaultListLimit,
			MaxListLimit:     cfg.Reports.MaxListLimit,
			HideForeign:      cfg.Auth.HideForeignReports,
			CSV:              mdtable.Options{SkipSeparatorRows: cfg.Reports.CSVSkipSeparatorRows},
		},
		append([]Option{WithArchiver(archiver), WithPublisher(publisher)}, opts...)...,
	)

	return &Stack{
		Service:   svc,
		Store:     st,
		Publisher: publisher,
	}, nil
}

// Close drains pending side effects, then closes the publisher and the
// store.
func (s *Stack) Close() error {
	s.Service.Close()

	var errs []error

	if err := s.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing event publisher: %w", err))
	}

	if err := s.Store.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping store: %w", err))
	}

	return errors.Join(errs...)
}
