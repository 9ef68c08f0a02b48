package lifecycle

import (
	"context"
	"fmt"

	"github.com/ethpandaops/reportvault/pkg/pipeline"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/sirupsen/logrus"
)

// AnalysisRequest describes one upstream analysis run to record.
type AnalysisRequest struct {
	SourceType  report.SourceKind
	FilePath    string
	FileName    string
	TableNames  []string
	RecordCount *int64
	// Title overrides the generated "<Kind> Analysis Report - <date>" title.
	Title string
}

// RecordAnalysis runs the pipeline synchronously, measures its wall-clock
// duration and persists the outcome as a report owned by owner. A failed
// run is still recorded, with status failed and the failure as content;
// the returned error is only non-nil when nothing could be recorded.
func (s *Service) RecordAnalysis(
	ctx context.Context,
	owner string,
	req AnalysisRequest,
	runner pipeline.Runner,
) (*report.Report, error) {
	if !req.SourceType.Valid() {
		return nil, report.Invalid("source_type", "must be one of csv, postgres, google_sheet, other")
	}

	// Measured on the raw clock so the monotonic reading is kept.
	started := s.now()

	content, runErr := runner.Run(ctx, pipeline.Request{
		SourceType: req.SourceType,
		FilePath:   req.FilePath,
		TableNames: req.TableNames,
	})

	elapsed := max(s.now().Sub(started).Seconds(), 0)

	title := req.Title
	if title == "" {
		title = report.DefaultTitle(req.SourceType, started.UTC())
	}

	d := report.Draft{
		SourceType:     req.SourceType,
		Title:          title,
		Content:        content,
		FilePath:       optional(req.FilePath),
		FileName:       optional(req.FileName),
		TableNames:     req.TableNames,
		RecordCount:    req.RecordCount,
		ProcessingTime: &elapsed,
		Status:         report.StatusCompleted,
	}

	if runErr != nil {
		s.log.WithError(runErr).WithFields(logrus.Fields{
			"user_id":     owner,
			"source_type": req.SourceType,
		}).Warn("Analysis pipeline failed")

		d.Status = report.StatusFailed
		d.Content = fmt.Sprintf("Analysis failed: %v", runErr)
	}

	r, err := s.Create(ctx, owner, d)
	if err != nil {
		return nil, fmt.Errorf("recording analysis: %w", err)
	}

	return r, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
