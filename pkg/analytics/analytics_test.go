package analytics_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/reportvault/pkg/analytics"
	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/ethpandaops/reportvault/pkg/store"
)

func ptr[T any](v T) *T { return &v }

func rep(id string, kind report.SourceKind, pt *float64) report.Report {
	return report.Report{
		ReportID:       id,
		UserID:         "alice",
		SourceType:     kind,
		Title:          id,
		Status:         report.StatusCompleted,
		ProcessingTime: pt,
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name       string
		reports    []report.Report
		recent     int
		wantTotal  int
		wantBy     map[report.SourceKind]int
		wantAvg    float64
		wantMost   report.SourceKind
		wantRecent []string
	}{
		{
			name:       "no reports",
			reports:    nil,
			recent:     10,
			wantBy:     map[report.SourceKind]int{},
			wantRecent: []string{},
		},
		{
			name: "average ignores missing processing time",
			reports: []report.Report{
				rep("r3", report.SourceCSV, ptr(2.0)),
				rep("r2", report.SourceCSV, nil),
				rep("r1", report.SourcePostgres, ptr(4.0)),
			},
			recent:     10,
			wantTotal:  3,
			wantBy:     map[report.SourceKind]int{report.SourceCSV: 2, report.SourcePostgres: 1},
			wantAvg:    3.0,
			wantMost:   report.SourceCSV,
			wantRecent: []string{"r3", "r2", "r1"},
		},
		{
			name: "recorded zero counts toward the mean",
			reports: []report.Report{
				rep("r2", report.SourceCSV, ptr(0.0)),
				rep("r1", report.SourceCSV, ptr(3.0)),
			},
			recent:     10,
			wantTotal:  2,
			wantBy:     map[report.SourceKind]int{report.SourceCSV: 2},
			wantAvg:    1.5,
			wantMost:   report.SourceCSV,
			wantRecent: []string{"r2", "r1"},
		},
		{
			name: "no processing times recorded",
			reports: []report.Report{
				rep("r1", report.SourceOther, nil),
			},
			recent:     10,
			wantTotal:  1,
			wantBy:     map[report.SourceKind]int{report.SourceOther: 1},
			wantMost:   report.SourceOther,
			wantRecent: []string{"r1"},
		},
		{
			name: "tie goes to first encountered",
			reports: []report.Report{
				rep("r4", report.SourceGoogleSheet, nil),
				rep("r3", report.SourcePostgres, nil),
				rep("r2", report.SourcePostgres, nil),
				rep("r1", report.SourceGoogleSheet, nil),
			},
			recent:    2,
			wantTotal: 4,
			wantBy: map[report.SourceKind]int{
				report.SourceGoogleSheet: 2,
				report.SourcePostgres:    2,
			},
			wantMost:   report.SourceGoogleSheet,
			wantRecent: []string{"r4", "r3"},
		},
		{
			name: "tie is not won by the kind reaching the count first",
			reports: []report.Report{
				rep("r4", report.SourceCSV, nil),
				rep("r3", report.SourcePostgres, nil),
				rep("r2", report.SourcePostgres, nil),
				rep("r1", report.SourceCSV, nil),
			},
			recent:    0,
			wantTotal: 4,
			wantBy: map[report.SourceKind]int{
				report.SourceCSV:      2,
				report.SourcePostgres: 2,
			},
			wantMost:   report.SourceCSV,
			wantRecent: []string{},
		},
		{
			name: "later kind with a strictly higher count wins",
			reports: []report.Report{
				rep("r4", report.SourceCSV, nil),
				rep("r3", report.SourcePostgres, nil),
				rep("r2", report.SourcePostgres, nil),
				rep("r1", report.SourceOther, nil),
			},
			recent:    0,
			wantTotal: 4,
			wantBy: map[report.SourceKind]int{
				report.SourceCSV:      1,
				report.SourcePostgres: 2,
				report.SourceOther:    1,
			},
			wantMost:   report.SourcePostgres,
			wantRecent: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := analytics.Summarize(tt.reports, tt.recent)

			assert.Equal(t, tt.wantTotal, s.TotalReports)
			assert.Equal(t, tt.wantBy, s.ReportsBySource)
			assert.InDelta(t, tt.wantAvg, s.AverageProcessingTime, 1e-9)
			assert.Equal(t, tt.wantMost, s.MostUsedSource)

			require.NotNil(t, s.RecentReports)

			ids := make([]string, 0, len(s.RecentReports))
			for _, r := range s.RecentReports {
				ids = append(ids, r.ReportID)
			}

			assert.Equal(t, tt.wantRecent, ids)
		})
	}
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestAggregator_Compute(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 15 {
		r, err := report.New(fmt.Sprintf("r%02d", i), "alice", report.Draft{
			SourceType:     report.SourceCSV,
			Title:          "t",
			ProcessingTime: ptr(1.0),
		}, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, st.CreateReport(ctx, r))
	}

	other, err := report.New("b1", "bob", report.Draft{
		SourceType: report.SourcePostgres,
		Title:      "t",
	}, base)
	require.NoError(t, err)
	require.NoError(t, st.CreateReport(ctx, other))

	agg := analytics.NewAggregator(logrus.New(), st, 12, analytics.DefaultRecent)

	s, err := agg.Compute(ctx, "alice")
	require.NoError(t, err)

	// The scan limit bounds the total.
	assert.Equal(t, 12, s.TotalReports)
	assert.Equal(t, map[report.SourceKind]int{report.SourceCSV: 12}, s.ReportsBySource)
	assert.InDelta(t, 1.0, s.AverageProcessingTime, 1e-9)
	require.Len(t, s.RecentReports, analytics.DefaultRecent)
	assert.Equal(t, "r14", s.RecentReports[0].ReportID)
	assert.Equal(t, "r05", s.RecentReports[9].ReportID)
}

func TestAggregator_ComputeEmpty(t *testing.T) {
	agg := analytics.NewAggregator(logrus.New(), setupTestStore(t), 0, analytics.DefaultRecent)

	s, err := agg.Compute(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalReports)
	assert.Empty(t, s.ReportsBySource)
	assert.NotNil(t, s.ReportsBySource)
	assert.Equal(t, report.SourceKind(""), s.MostUsedSource)
	assert.NotNil(t, s.RecentReports)
	assert.Empty(t, s.RecentReports)
}

func TestAggregator_ComputeConcurrent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	r, err := report.New("r1", "alice", report.Draft{
		SourceType: report.SourceCSV,
		Title:      "t",
	}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.CreateReport(ctx, r))

	agg := analytics.NewAggregator(logrus.New(), st, 0, analytics.DefaultRecent)

	var wg sync.WaitGroup

	results := make([]*analytics.Summary, 8)

	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s, err := agg.Compute(ctx, "alice")
			assert.NoError(t, err)

			results[i] = s
		}()
	}

	wg.Wait()

	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, 1, s.TotalReports)
	}
}

// gatedStore holds ListReports until release is closed and then fails
// with the caller's context error, as a real driver would.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListReports(
	ctx context.Context, filter store.ListFilter,
) ([]report.Report, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}

	<-g.release

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return g.Store.ListReports(ctx, filter)
}

func TestAggregator_ComputeCallerCancelled(t *testing.T) {
	st := setupTestStore(t)

	r, err := report.New("r1", "alice", report.Draft{
		SourceType: report.SourceCSV,
		Title:      "t",
	}, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, st.CreateReport(context.Background(), r))

	gated := &gatedStore{
		Store:   st,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	agg := analytics.NewAggregator(logrus.New(), gated, 0, analytics.DefaultRecent)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)

	go func() {
		_, err := agg.Compute(firstCtx, "alice")
		firstErr <- err
	}()

	<-gated.entered

	type result struct {
		summary *analytics.Summary
		err     error
	}

	second := make(chan result, 1)

	go func() {
		s, err := agg.Compute(context.Background(), "alice")
		second <- result{s, err}
	}()

	// Let the second caller join the running scan, then drop the first.
	time.Sleep(50 * time.Millisecond)
	cancelFirst()

	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(gated.release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.summary.TotalReports)
}

// countingStore counts CountReports calls.
type countingStore struct {
	store.Store
	counts atomic.Int32
}

func (c *countingStore) CountReports(ctx context.Context, userID string) (int64, error) {
	c.counts.Add(1)

	return c.Store.CountReports(ctx, userID)
}

func TestAggregator_ComputeLogsTruncatedScan(t *testing.T) {
	st := &countingStore{Store: setupTestStore(t)}
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	create := func(id, owner string, at time.Time) {
		r, err := report.New(id, owner, report.Draft{SourceType: report.SourceCSV, Title: "t"}, at)
		require.NoError(t, err)
		require.NoError(t, st.CreateReport(ctx, r))
	}

	for i := range 5 {
		create(fmt.Sprintf("a%d", i), "alice", base.Add(time.Duration(i)*time.Minute))
	}

	create("b0", "bob", base)
	create("b1", "bob", base.Add(time.Minute))

	log, hook := logtest.NewNullLogger()
	agg := analytics.NewAggregator(log, st, 3, analytics.DefaultRecent)

	// Under the scan limit no count is taken.
	s, err := agg.Compute(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalReports)
	assert.Equal(t, int32(0), st.counts.Load())
	assert.Empty(t, hook.AllEntries())

	s, err = agg.Compute(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalReports)
	assert.Equal(t, int32(1), st.counts.Load())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, int64(5), entry.Data["stored"])
	assert.Equal(t, 3, entry.Data["scanned"])
	assert.Equal(t, "alice", entry.Data["user_id"])
}
