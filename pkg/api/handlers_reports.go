package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethpandaops/reportvault/pkg/export"
	"github.com/ethpandaops/reportvault/pkg/lifecycle"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/go-chi/chi/v5"
)

// reportRequest is the body of create and full update requests.
type reportRequest struct {
	// UserID is accepted only so that a mismatching owner can be
	// rejected; ownership always comes from the token.
	UserID         *string  `json:"user_id,omitempty"`
	SourceType     string   `json:"source_type"`
	ReportTitle    string   `json:"report_title"`
	ReportContent  string   `json:"report_content"`
	FilePath       *string  `json:"file_path,omitempty"`
	FileName       *string  `json:"file_name,omitempty"`
	TableNames     []string `json:"table_names,omitempty"`
	RecordCount    *int64   `json:"record_count,omitempty"`
	ProcessingTime *float64 `json:"processing_time,omitempty"`
	Status         string   `json:"status,omitempty"`
}

func (req *reportRequest) draft(owner string) (report.Draft, error) {
	if req.UserID != nil && *req.UserID != owner {
		return report.Draft{}, report.Invalid("user_id", "cannot be reassigned")
	}

	return report.Draft{
		SourceType:     report.SourceKind(req.SourceType),
		Title:          req.ReportTitle,
		Content:        req.ReportContent,
		FilePath:       req.FilePath,
		FileName:       req.FileName,
		TableNames:     req.TableNames,
		RecordCount:    req.RecordCount,
		ProcessingTime: req.ProcessingTime,
		Status:         report.Status(req.Status),
	}, nil
}

// patchRequest is the body of partial update requests.
type patchRequest struct {
	ReportTitle    *string  `json:"report_title,omitempty"`
	ReportContent  *string  `json:"report_content,omitempty"`
	Status         *string  `json:"status,omitempty"`
	ProcessingTime *float64 `json:"processing_time,omitempty"`
}

func (req *patchRequest) patch() report.Patch {
	p := report.Patch{
		Title:          req.ReportTitle,
		Content:        req.ReportContent,
		ProcessingTime: req.ProcessingTime,
	}

	if req.Status != nil {
		st := report.Status(*req.Status)
		p.Status = &st
	}

	return p
}

// archiveResponse carries a link to an archived report copy.
type archiveResponse struct {
	URL string `json:"url"`
}

// handleCreateReport persists a new report owned by the caller.
func (s *server) handleCreateReport(
	w http.ResponseWriter, r *http.Request,
) {
	owner := ownerFromContext(r.Context())

	var req reportRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	d, err := req.draft(owner)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	rep, err := s.svc.Create(r.Context(), owner, d)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, rep)
}

// handleListReports lists the caller's reports, newest first.
func (s *server) handleListReports(
	w http.ResponseWriter, r *http.Request,
) {
	q := lifecycle.ListQuery{
		SourceType: r.URL.Query().Get("source_type"),
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, r, report.Invalid("limit", "must be a positive integer"))

			return
		}

		q.Limit = limit
	}

	reports, err := s.svc.List(r.Context(), ownerFromContext(r.Context()), q)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, reports)
}

// handleAnalytics returns the caller's report analytics.
func (s *server) handleAnalytics(
	w http.ResponseWriter, r *http.Request,
) {
	summary, err := s.svc.Analytics(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleGetReport returns one report.
func (s *server) handleGetReport(
	w http.ResponseWriter, r *http.Request,
) {
	rep, err := s.svc.Get(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// handleUpdateReport replaces a report's mutable fields.
func (s *server) handleUpdateReport(
	w http.ResponseWriter, r *http.Request,
) {
	owner := ownerFromContext(r.Context())

	var req reportRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	d, err := req.draft(owner)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	rep, err := s.svc.Update(r.Context(), owner, chi.URLParam(r, "id"), d)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// handlePatchReport updates only the supplied fields.
func (s *server) handlePatchReport(
	w http.ResponseWriter, r *http.Request,
) {
	var req patchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	rep, err := s.svc.Patch(
		r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"), req.patch(),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// handleDeleteReport permanently deletes a report.
func (s *server) handleDeleteReport(
	w http.ResponseWriter, r *http.Request,
) {
	if err := s.svc.Delete(
		r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"),
	); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{"Report deleted successfully"})
}

// handleDownloadReport renders a report. By default the rendering is
// wrapped in a JSON envelope; raw=true streams it as an attachment.
func (s *server) handleDownloadReport(
	w http.ResponseWriter, r *http.Request,
) {
	file, err := s.svc.Download(
		r.Context(),
		ownerFromContext(r.Context()),
		chi.URLParam(r, "id"),
		r.URL.Query().Get("format"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	raw, _ := strconv.ParseBool(r.URL.Query().Get("raw"))
	if !raw {
		writeJSON(w, http.StatusOK, file)

		return
	}

	w.Header().Set("Content-Type", file.MediaType+"; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", export.SafeFilename(file.Filename)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(file.Content)); err != nil {
		s.log.WithError(err).Debug("Failed to write download")
	}
}

// handleArchiveLink returns (or redirects to) a presigned link to the
// archived copy of a report.
func (s *server) handleArchiveLink(
	w http.ResponseWriter, r *http.Request,
) {
	url, err := s.svc.ArchiveURL(r.Context(), ownerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)

		return
	}

	writeJSON(w, http.StatusOK, archiveResponse{URL: url})
}

