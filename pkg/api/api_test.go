package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/reportvault/pkg/auth"
	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/lifecycle"
	"github.com/ethpandaops/reportvault/pkg/metrics"
	"github.com/ethpandaops/reportvault/pkg/store"
)

const testSecret = "test-secret"

type testServer struct {
	t       *testing.T
	srv     *server
	store   store.Store
	handler http.Handler
	tokens  *auth.Tokens
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Listen:  ":0",
			Metrics: true,
		},
		Auth: config.AuthConfig{
			JWTSecret:   testSecret,
			UserIDClaim: "id",
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		},
		Reports: config.ReportsConfig{
			DefaultListLimit:   50,
			MaxListLimit:       1000,
			AnalyticsScanLimit: 1000,
			RecentReports:      10,
		},
	}

	if mutate != nil {
		mutate(cfg)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	stack, err := lifecycle.Open(context.Background(), log, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = stack.Close() })

	tokens := auth.NewTokens(testSecret, "id")

	srv := &server{
		log:          log,
		cfg:          cfg,
		stack:        stack,
		svc:          stack.Service,
		tokens:       tokens,
		maxBodyBytes: 4096,
		done:         make(chan struct{}),
	}

	t.Cleanup(func() { close(srv.done) })

	return &testServer{
		t:       t,
		srv:     srv,
		store:   stack.Store,
		handler: srv.buildRouter(),
		tokens:  tokens,
	}
}

func (ts *testServer) token(user string) string {
	ts.t.Helper()

	tok, err := ts.tokens.Issue(user, time.Hour)
	require.NoError(ts.t, err)

	return tok
}

func (ts *testServer) do(method, path, user string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var reader *bytes.Reader

	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(ts.t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(user))
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	return rec
}

func (ts *testServer) create(user string, body map[string]any) map[string]any {
	ts.t.Helper()

	rec := ts.do(http.MethodPost, "/api/v1/reports", user, body)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())

	return decode(ts.t, rec)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())

	return out
}

func sampleBody(kind, title string) map[string]any {
	return map[string]any{
		"source_type":    kind,
		"report_title":   title,
		"report_content": "# Title\n\n| a | b |\n| 1 | 2 |\n\nprose\n\n| x |\n| y |",
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()

	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/reports", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthenticated, decode(t, rec)["code"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	req.Header.Set("Authorization", "Bearer garbage")

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateReport(t *testing.T) {
	ts := newTestServer(t, nil)

	got := ts.create("alice", sampleBody("csv", "Sales"))
	assert.Equal(t, "alice", got["user_id"])
	assert.Equal(t, "csv", got["source_type"])
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, got["created_at"], got["updated_at"])
	assert.NotEmpty(t, got["id"])
}

func TestCreateReport_Rejections(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "bad source", body: sampleBody("excel", "t"), want: http.StatusBadRequest},
		{name: "missing title", body: sampleBody("csv", ""), want: http.StatusBadRequest},
		{name: "malformed json", body: "{", want: http.StatusBadRequest},
		{name: "empty body", body: "", want: http.StatusBadRequest},
		{
			name: "negative record count",
			body: map[string]any{"source_type": "csv", "report_title": "t", "record_count": -1},
			want: http.StatusBadRequest,
		},
		{
			name: "foreign owner",
			body: map[string]any{"source_type": "csv", "report_title": "t", "user_id": "bob"},
			want: http.StatusBadRequest,
		},
		{
			name: "body too large",
			body: map[string]any{"source_type": "csv", "report_title": "t", "report_content": strings.Repeat("x", 8192)},
			want: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/v1/reports", "alice", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode(t, rec)["code"])
		})
	}

	// The caller's own id is accepted.
	body := sampleBody("csv", "t")
	body["user_id"] = "alice"

	rec := ts.do(http.MethodPost, "/api/v1/reports", "alice", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetReport(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.create("alice", sampleBody("csv", "t"))
	path := "/api/v1/reports/" + created["id"].(string)

	rec := ts.do(http.MethodGet, path, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created["id"], decode(t, rec)["id"])

	rec = ts.do(http.MethodGet, path, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "access_denied", decode(t, rec)["code"])

	rec = ts.do(http.MethodGet, "/api/v1/reports/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["code"])
}

func TestGetReport_HideForeign(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Auth.HideForeignReports = true })
	created := ts.create("alice", sampleBody("csv", "t"))

	rec := ts.do(http.MethodGet, "/api/v1/reports/"+created["id"].(string), "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListReports(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.create("alice", sampleBody("csv", "one"))
	ts.create("alice", sampleBody("postgres", "two"))
	ts.create("alice", sampleBody("csv", "three"))
	ts.create("bob", sampleBody("csv", "bob"))

	rec := ts.do(http.MethodGet, "/api/v1/reports?source_type=csv", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var reports []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, "three", reports[0]["report_title"])
	assert.Equal(t, "one", reports[1]["report_title"])

	rec = ts.do(http.MethodGet, "/api/v1/reports?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	assert.Len(t, reports, 1)

	for _, q := range []string{"limit=abc", "limit=0", "limit=-3", "source_type=excel"} {
		rec = ts.do(http.MethodGet, "/api/v1/reports?"+q, "alice", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = ts.do(http.MethodGet, "/api/v1/reports", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAnalytics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/reports/analytics", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"total_reports": 0,
		"reports_by_source": {},
		"average_processing_time": 0,
		"most_used_source": "",
		"recent_reports": []
	}`, rec.Body.String())

	for _, pt := range []any{2.0, nil, 4.0} {
		body := sampleBody("postgres", "t")
		if pt != nil {
			body["processing_time"] = pt
		}

		ts.create("alice", body)
	}

	rec = ts.do(http.MethodGet, "/api/v1/reports/analytics", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode(t, rec)
	assert.InDelta(t, 3.0, got["total_reports"], 0)
	assert.InDelta(t, 3.0, got["average_processing_time"], 1e-9)
	assert.Equal(t, "postgres", got["most_used_source"])
}

func TestUpdateReport(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.create("alice", sampleBody("csv", "before"))
	path := "/api/v1/reports/" + created["id"].(string)

	rec := ts.do(http.MethodPut, path, "alice", sampleBody("postgres", "after"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode(t, rec)
	assert.Equal(t, "after", got["report_title"])
	assert.Equal(t, "alice", got["user_id"])
	assert.Equal(t, created["created_at"], got["created_at"])

	// Owner reassignment is rejected.
	hijack := sampleBody("csv", "hijack")
	hijack["user_id"] = "mallory"

	rec = ts.do(http.MethodPut, path, "alice", hijack)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, path, "mallory", sampleBody("csv", "pwned"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, path, "alice", nil)
	assert.Equal(t, "after", decode(t, rec)["report_title"])
}

func TestPatchReport(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.create("alice", sampleBody("csv", "before"))
	path := "/api/v1/reports/" + created["id"].(string)

	rec := ts.do(http.MethodPatch, path, "alice", map[string]any{"status": "failed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode(t, rec)
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, "before", got["report_title"])

	rec = ts.do(http.MethodPatch, path, "alice", map[string]any{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteReport(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.create("alice", sampleBody("csv", "t"))
	path := "/api/v1/reports/" + created["id"].(string)

	rec := ts.do(http.MethodDelete, path, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, path, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Report deleted successfully", decode(t, rec)["message"])

	rec = ts.do(http.MethodDelete, path, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadReport(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.create("alice", sampleBody("csv", "Quarterly Sales"))
	path := "/api/v1/reports/" + created["id"].(string) + "/download"

	rec := ts.do(http.MethodGet, path+"?format=csv", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode(t, rec)
	assert.Equal(t, "a,b\n1,2\n\n\nx\ny\n", got["content"])
	assert.Equal(t, "text/csv", got["media_type"])
	assert.Equal(t, "csv", got["format"])
	assert.Regexp(t, `^Quarterly_Sales_\d{8}_\d{6}\.csv$`, got["filename"])

	rec = ts.do(http.MethodGet, path, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "markdown", decode(t, rec)["format"])

	rec = ts.do(http.MethodGet, path+"?format=bogus", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decode(t, rec)["code"])

	rec = ts.do(http.MethodGet, path+"?format=json", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadReport_Raw(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.create("alice", sampleBody("csv", "Q1/Q2 \"Sales\""))

	rec := ts.do(http.MethodGet,
		"/api/v1/reports/"+created["id"].(string)+"/download?format=csv&raw=true", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Regexp(t, `^attachment; filename="Q1_Q2__Sales__\d{8}_\d{6}\.csv"$`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "a,b\n1,2\n\n\nx\ny\n", rec.Body.String())
}

func TestArchiveLink_Unsupported(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.create("alice", sampleBody("csv", "t"))

	rec := ts.do(http.MethodGet, "/api/v1/reports/"+created["id"].(string)+"/archive", "alice", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, codeUnsupported, decode(t, rec)["code"])
}

func TestStorageUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.store.Stop())

	rec := ts.do(http.MethodGet, "/api/v1/reports", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	got := decode(t, rec)
	assert.Equal(t, "storage_unavailable", got["code"])
	assert.Equal(t, "storage unavailable", got["error"])

	rec = ts.do(http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})

	for range 2 {
		rec := ts.do(http.MethodGet, "/api/v1/reports", "alice", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(http.MethodGet, "/api/v1/reports", "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, codeRateLimited, decode(t, rec)["code"])
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded chain", xff: "1.1.1.1, 2.2.2.2", remote: "10.0.0.1:1234", want: "1.1.1.1"},
		{name: "single forwarded", xff: "3.3.3.3", remote: "10.0.0.1:1234", want: "3.3.3.3"},
		{name: "no port", remote: "10.0.0.1", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}

func TestRateLimiterMap_Evict(t *testing.T) {
	rl := newRateLimiterMap(60)
	rl.getLimiter("1.1.1.1")

	rl.evict(time.Hour)
	assert.Len(t, rl.limiters, 1)

	rl.evict(-time.Second)
	assert.Empty(t, rl.limiters)
}
