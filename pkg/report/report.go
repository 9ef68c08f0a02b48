package report

import (
	"time"

	"gorm.io/datatypes"
)

// SourceKind is the origin category of the analyzed data.
type SourceKind string

// Supported source kinds.
const (
	SourceCSV         SourceKind = "csv"
	SourcePostgres    SourceKind = "postgres"
	SourceGoogleSheet SourceKind = "google_sheet"
	SourceOther       SourceKind = "other"
)

// Status is the state of the analysis run a report records.
type Status string

// Report statuses.
const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusProcessing Status = "processing"
)

// validSources is the set of accepted source kinds.
var validSources = map[SourceKind]struct{}{
	SourceCSV:         {},
	SourcePostgres:    {},
	SourceGoogleSheet: {},
	SourceOther:       {},
}

// validStatuses is the set of accepted report statuses.
var validStatuses = map[Status]struct{}{
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusProcessing: {},
}

// Valid reports whether k is a supported source kind.
func (k SourceKind) Valid() bool {
	_, ok := validSources[k]

	return ok
}

// Valid reports whether s is a supported status.
func (s Status) Valid() bool {
	_, ok := validStatuses[s]

	return ok
}

// Report is the persisted record of one analysis run.
//
// ID is the store-native key and never leaves the process; ReportID is the
// opaque identifier clients address a report by. Timestamps are owned by
// the lifecycle service, so gorm's automatic time tracking is disabled.
type Report struct {
	ID             uint                        `gorm:"primaryKey" json:"-"`
	ReportID       string                      `gorm:"uniqueIndex;not null" json:"id"`
	UserID         string                      `gorm:"index;not null" json:"user_id"`
	SourceType     SourceKind                  `gorm:"index;not null" json:"source_type"`
	Title          string                      `gorm:"column:report_title;not null" json:"report_title"`
	Content        string                      `gorm:"column:report_content;type:text" json:"report_content"`
	FilePath       *string                     `json:"file_path"`
	FileName       *string                     `json:"file_name"`
	TableNames     datatypes.JSONSlice[string] `json:"table_names"`
	RecordCount    *int64                      `json:"record_count"`
	ProcessingTime *float64                    `json:"processing_time"`
	Status         Status                      `gorm:"not null" json:"status"`
	CreatedAt      time.Time                   `gorm:"autoCreateTime:false;index" json:"created_at"`
	UpdatedAt      time.Time                   `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// Draft is the record-shaped input accepted by create and full update.
// It carries no owner; ownership is fixed at creation.
type Draft struct {
	SourceType     SourceKind
	Title          string
	Content        string
	FilePath       *string
	FileName       *string
	TableNames     []string
	RecordCount    *int64
	ProcessingTime *float64
	Status         Status
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title          *string
	Content        *string
	Status         *Status
	ProcessingTime *float64
}

// Validate checks the draft and fills in the default status.
func (d *Draft) Validate() error {
	if !d.SourceType.Valid() {
		return Invalid("source_type", "must be one of csv, postgres, google_sheet, other")
	}

	if d.Title == "" {
		return Invalid("report_title", "is required")
	}

	if d.Status == "" {
		d.Status = StatusCompleted
	}

	if !d.Status.Valid() {
		return Invalid("status", "must be one of completed, failed, processing")
	}

	if d.RecordCount != nil && *d.RecordCount < 0 {
		return Invalid("record_count", "must not be negative")
	}

	if d.ProcessingTime != nil && *d.ProcessingTime < 0 {
		return Invalid("processing_time", "must not be negative")
	}

	return nil
}

// Validate checks the fields present in the patch.
func (p *Patch) Validate() error {
	if p.Title != nil && *p.Title == "" {
		return Invalid("report_title", "must not be empty")
	}

	if p.Status != nil && !p.Status.Valid() {
		return Invalid("status", "must be one of completed, failed, processing")
	}

	if p.ProcessingTime != nil && *p.ProcessingTime < 0 {
		return Invalid("processing_time", "must not be negative")
	}

	return nil
}

// New builds a report owned by owner from a validated draft. Both
// timestamps are set to now.
func New(id, owner string, d Draft, now time.Time) (*Report, error) {
	if id == "" {
		return nil, Invalid("id", "is required")
	}

	if owner == "" {
		return nil, Invalid("user_id", "is required")
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	r := &Report{
		ReportID:  id,
		UserID:    owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.apply(d)

	return r, nil
}

// Overwrite replaces every mutable field with the draft's values. The
// identifier, owner and creation time are preserved.
func (r *Report) Overwrite(d Draft, now time.Time) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.apply(d)
	r.touch(now)

	return nil
}

// ApplyPatch updates only the fields set on p.
func (r *Report) ApplyPatch(p Patch, now time.Time) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.Title != nil {
		r.Title = *p.Title
	}

	if p.Content != nil {
		r.Content = *p.Content
	}

	if p.Status != nil {
		r.Status = *p.Status
	}

	if p.ProcessingTime != nil {
		pt := *p.ProcessingTime
		r.ProcessingTime = &pt
	}

	r.touch(now)

	return nil
}

func (r *Report) apply(d Draft) {
	r.SourceType = d.SourceType
	r.Title = d.Title
	r.Content = d.Content
	r.FilePath = d.FilePath
	r.FileName = d.FileName
	r.RecordCount = d.RecordCount
	r.ProcessingTime = d.ProcessingTime
	r.Status = d.Status

	r.TableNames = nil
	if len(d.TableNames) > 0 {
		r.TableNames = append(datatypes.JSONSlice[string]{}, d.TableNames...)
	}
}

// touch bumps UpdatedAt, never letting it fall behind CreatedAt.
func (r *Report) touch(now time.Time) {
	if now.Before(r.CreatedAt) {
		now = r.CreatedAt
	}

	r.UpdatedAt = now
}

// OwnedBy reports whether userID owns the report.
func (r *Report) OwnedBy(userID string) bool {
	return r.UserID == userID
}
