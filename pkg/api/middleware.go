package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/reportvault/pkg/auth"
	"github.com/ethpandaops/reportvault/pkg/metrics"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// requestLogger logs incoming HTTP requests and records their latency.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		elapsed := time.Since(start)

		if s.cfg.Server.Metrics {
			metrics.HTTPRequestDurationSeconds.
				WithLabelValues(r.Method, strconv.Itoa(status)).
				Observe(elapsed.Seconds())
		}

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", status).
			WithField("remote", r.RemoteAddr).
			WithField("duration", elapsed).
			Debug("Request handled")
	})
}

// limitBody caps request bodies at the configured size.
func (s *server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && s.maxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth verifies the Bearer token and injects the owner id into
// the request context.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required", codeUnauthenticated})

			return
		}

		owner, err := s.tokens.Verify(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token has expired"
			}

			s.log.WithError(err).Debug("Rejected bearer token")
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{msg, codeUnauthenticated})

			return
		}

		ctx := context.WithValue(r.Context(), ownerContextKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ownerFromContext extracts the authenticated owner id from the request
// context.
func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerContextKey).(string)

	return owner
}
