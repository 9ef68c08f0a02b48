package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ethpandaops/reportvault/pkg/archive"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/sirupsen/logrus"
)

// Codes for failures that originate in the HTTP layer itself.
const (
	codeUnauthenticated = "unauthenticated"
	codeRateLimited     = "rate_limited"
	codeBodyTooLarge    = "body_too_large"
	codeUnsupported     = "archive_unavailable"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// messageResponse acknowledges an operation without a body.
type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps err to a status code and payload. Domain outcomes keep
// their message; infrastructure failures are logged in full and answered
// with a generic message.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := report.Code(err)
	log := s.log.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"code":   code,
	})

	var status int

	switch code {
	case report.CodeValidation:
		status = http.StatusBadRequest
	case report.CodeNotFound:
		status = http.StatusNotFound
	case report.CodeAccessDenied:
		status = http.StatusForbidden
	case report.CodeStorageUnavailable:
		log.Error("Storage unavailable")
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"storage unavailable", code})

		return
	default:
		if errors.Is(err, archive.ErrURLUnsupported) {
			writeJSON(w, http.StatusNotImplemented,
				errorResponse{"archive links are not available", codeUnsupported})

			return
		}

		log.Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error", report.CodeInternal})

		return
	}

	log.Debug("Request rejected")
	writeJSON(w, status, errorResponse{domainMessage(err), code})
}

// domainMessage strips the wrapping context from a domain error so
// clients never see internal identifiers or call chains.
func domainMessage(err error) string {
	var verr *report.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}

	switch {
	case errors.Is(err, report.ErrNotFound):
		return "report not found"
	case errors.Is(err, report.ErrAccessDenied):
		return "access denied"
	default:
		return "invalid request"
	}
}

// decodeJSON reads a single JSON value from the request body into v.
// Unknown fields, such as the read-only fields of a fetched report, are
// ignored.
func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if err == nil {
		if dec.More() {
			err = fmt.Errorf("trailing data after JSON body")
		} else {
			return true
		}
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			errorResponse{fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), codeBodyTooLarge})

		return false
	}

	msg := "invalid request body"
	if !errors.Is(err, io.EOF) {
		msg = fmt.Sprintf("invalid request body: %v", err)
	}

	writeJSON(w, http.StatusBadRequest, errorResponse{msg, report.CodeValidation})

	return false
}

// handleHealth reports liveness and whether the store answers.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.log.WithError(err).Warn("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": "unavailable",
		})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}
