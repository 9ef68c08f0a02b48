package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const memoryPath = ":memory:"

// ListFilter selects a user's reports for listing.
type ListFilter struct {
	UserID string
	// SourceType restricts results to one source kind when non-empty.
	SourceType report.SourceKind
	// Limit caps the number of rows; zero or negative means unbounded.
	Limit int
}

// Store provides persistence for reports.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	CreateReport(ctx context.Context, r *report.Report) error
	GetReport(ctx context.Context, reportID string) (*report.Report, error)
	ListReports(ctx context.Context, filter ListFilter) ([]report.Report, error)
	CountReports(ctx context.Context, userID string) (int64, error)
	UpdateReport(ctx context.Context, r *report.Report) error
	DeleteReport(ctx context.Context, reportID string) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if s.cfg.Driver == "sqlite" && s.cfg.SQLite.Path == memoryPath {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&report.Report{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks that the database answers.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("getting underlying db", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("pinging database", err)
	}

	return nil
}

func (s *store) CreateReport(ctx context.Context, r *report.Report) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return unavailable("creating report", err)
	}

	return nil
}

func (s *store) GetReport(
	ctx context.Context, reportID string,
) (*report.Report, error) {
	var r report.Report
	if err := s.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting report %q: %w", reportID, report.ErrNotFound)
		}

		return nil, unavailable("getting report", err)
	}

	return &r, nil
}

// ListReports returns the filtered reports newest first. Rows created in
// the same instant are ordered by insertion, newest first.
func (s *store) ListReports(
	ctx context.Context, filter ListFilter,
) ([]report.Report, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", filter.UserID)

	if filter.SourceType != "" {
		q = q.Where("source_type = ?", filter.SourceType)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	reports := make([]report.Report, 0, max(filter.Limit, 0))
	if err := q.Order("created_at DESC").
		Order("id DESC").
		Find(&reports).Error; err != nil {
		return nil, unavailable("listing reports", err)
	}

	return reports, nil
}

func (s *store) CountReports(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).
		Model(&report.Report{}).
		Where("user_id = ?", userID).
		Count(&n).Error; err != nil {
		return 0, unavailable("counting reports", err)
	}

	return n, nil
}

// UpdateReport writes the mutable columns of r. The owner, identifier
// and creation time are never part of the statement.
func (s *store) UpdateReport(ctx context.Context, r *report.Report) error {
	result := s.db.WithContext(ctx).
		Model(&report.Report{}).
		Where("report_id = ?", r.ReportID).
		Updates(map[string]any{
			"source_type":     r.SourceType,
			"report_title":    r.Title,
			"report_content":  r.Content,
			"file_path":       r.FilePath,
			"file_name":       r.FileName,
			"table_names":     r.TableNames,
			"record_count":    r.RecordCount,
			"processing_time": r.ProcessingTime,
			"status":          r.Status,
			"updated_at":      r.UpdatedAt,
		})
	if result.Error != nil {
		return unavailable("updating report", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("updating report %q: %w", r.ReportID, report.ErrNotFound)
	}

	return nil
}

func (s *store) DeleteReport(ctx context.Context, reportID string) error {
	result := s.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Delete(&report.Report{})
	if result.Error != nil {
		return unavailable("deleting report", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting report %q: %w", reportID, report.ErrNotFound)
	}

	s.log.WithField("report_id", reportID).Debug("Deleted report")

	return nil
}

// unavailable tags an infrastructure failure so callers can tell it
// apart from domain outcomes.
func unavailable(action string, err error) error {
	return fmt.Errorf("%s: %w: %w", action, report.ErrStorageUnavailable, err)
}
