// Package analytics computes per-user summary statistics over stored
// reports.
package analytics

import (
	"context"
	"fmt"

	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/ethpandaops/reportvault/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultScanLimit is the maximum number of reports read per call.
	DefaultScanLimit = 1000

	// DefaultRecent is the number of newest reports returned in full.
	DefaultRecent = 10
)

// Summary is the analytics record for one user.
type Summary struct {
	TotalReports          int                       `json:"total_reports"`
	ReportsBySource       map[report.SourceKind]int `json:"reports_by_source"`
	AverageProcessingTime float64                   `json:"average_processing_time"`
	MostUsedSource        report.SourceKind         `json:"most_used_source"`
	RecentReports         []report.Report           `json:"recent_reports"`
}

// Summarize aggregates reports, which must be ordered newest first. The
// first recent reports are copied into the summary in full.
//
// The processing-time mean only considers reports that recorded one; a
// recorded zero counts. Ties for the most used source go to the kind
// encountered first.
func Summarize(reports []report.Report, recent int) *Summary {
	s := &Summary{
		TotalReports:    len(reports),
		ReportsBySource: make(map[report.SourceKind]int, 4),
		RecentReports:   make([]report.Report, 0, min(max(recent, 0), len(reports))),
	}

	var (
		timed int
		total float64
		seen  = make([]report.SourceKind, 0, 4)
	)

	for i := range reports {
		r := &reports[i]

		if _, ok := s.ReportsBySource[r.SourceType]; !ok {
			seen = append(seen, r.SourceType)
		}

		s.ReportsBySource[r.SourceType]++

		if r.ProcessingTime != nil {
			timed++
			total += *r.ProcessingTime
		}

		if i < recent {
			s.RecentReports = append(s.RecentReports, *r)
		}
	}

	if timed > 0 {
		s.AverageProcessingTime = total / float64(timed)
	}

	s.MostUsedSource = mostUsed(seen, s.ReportsBySource)

	return s
}

// mostUsed returns the kind with the highest count, walking kinds in the
// order they were first seen so that ties keep the earliest one.
func mostUsed(order []report.SourceKind, counts map[report.SourceKind]int) report.SourceKind {
	var (
		most report.SourceKind
		best int
	)

	for _, kind := range order {
		if n := counts[kind]; n > best {
			best = n
			most = kind
		}
	}

	return most
}

// Aggregator computes summaries from the store.
type Aggregator struct {
	log       logrus.FieldLogger
	store     store.Store
	scanLimit int
	recent    int
	group     singleflight.Group
}

// NewAggregator creates an Aggregator. Non-positive limits fall back to
// the defaults.
func NewAggregator(
	log logrus.FieldLogger,
	st store.Store,
	scanLimit, recent int,
) *Aggregator {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}

	if recent < 0 {
		recent = DefaultRecent
	}

	return &Aggregator{
		log:       log.WithField("component", "analytics"),
		store:     st,
		scanLimit: scanLimit,
		recent:    recent,
	}
}

// Compute returns the summary for userID. Concurrent calls for the same
// user share one store scan. The scan is detached from ctx so that one
// caller going away cannot fail the others; each caller still stops
// waiting when its own ctx is done.
func (a *Aggregator) Compute(ctx context.Context, userID string) (*Summary, error) {
	scanCtx := context.WithoutCancel(ctx)

	ch := a.group.DoChan(userID, func() (any, error) {
		reports, err := a.store.ListReports(scanCtx, store.ListFilter{
			UserID: userID,
			Limit:  a.scanLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("loading reports: %w", err)
		}

		if len(reports) >= a.scanLimit {
			a.logTruncated(scanCtx, userID, len(reports))
		}

		return Summarize(reports, a.recent), nil
	})

	var res singleflight.Result

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("computing analytics: %w", ctx.Err())
	case res = <-ch:
	}

	if res.Err != nil {
		return nil, res.Err
	}

	if res.Shared {
		a.log.WithField("user_id", userID).Debug("Shared analytics scan")

		// Callers of a shared scan each get their own map and slice.
		return clone(res.Val.(*Summary)), nil
	}

	return res.Val.(*Summary), nil
}

// logTruncated reports how many stored reports a capped scan left out.
func (a *Aggregator) logTruncated(ctx context.Context, userID string, scanned int) {
	log := a.log.WithFields(logrus.Fields{
		"user_id": userID,
		"scanned": scanned,
	})

	stored, err := a.store.CountReports(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("Counting reports for truncated analytics scan failed")

		return
	}

	if stored > int64(scanned) {
		log.WithField("stored", stored).Info("Analytics limited to the newest reports")
	}
}

func clone(s *Summary) *Summary {
	out := *s

	out.ReportsBySource = make(map[report.SourceKind]int, len(s.ReportsBySource))
	for k, n := range s.ReportsBySource {
		out.ReportsBySource[k] = n
	}

	out.RecentReports = append(make([]report.Report, 0, len(s.RecentReports)), s.RecentReports...)

	return &out
}
