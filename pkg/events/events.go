// Package events publishes report lifecycle notifications.
package events

import (
	"context"
	"time"

	"github.com/ethpandaops/reportvault/pkg/report"
)

// Type names a lifecycle transition.
type Type string

// Lifecycle event types.
const (
	TypeCreated Type = "report.created"
	TypeUpdated Type = "report.updated"
	TypeDeleted Type = "report.deleted"
)

// Event is the message body published for a lifecycle transition. It
// carries identifiers only, never report content.
type Event struct {
	Type       Type              `json:"type"`
	ReportID   string            `json:"report_id"`
	UserID     string            `json:"user_id"`
	SourceType report.SourceKind `json:"source_type"`
	Status     report.Status     `json:"status"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent builds the event for r.
func NewEvent(t Type, r *report.Report, at time.Time) Event {
	return Event{
		Type:       t,
		ReportID:   r.ReportID,
		UserID:     r.UserID,
		SourceType: r.SourceType,
		Status:     r.Status,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

var _ Publisher = Noop{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
