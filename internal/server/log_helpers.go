package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
)

// requestFields adds the resolved client address and, once routing has
// run, the route pattern and session id to access log lines.
func requestFields(resolver *clientIPResolver) func(*http.Request, int, time.Duration) []any {
	return func(r *http.Request, _ int, _ time.Duration) []any {
		ip, source := resolver.ClientIPFromRequest(r)
		fields := []any{"remote_ip", ip, "ip_source", source}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				fields = append(fields, "route", pattern)
			}
			if _, tagged := logging.SessionIDFromContext(r.Context()); tagged {
				return fields
			}
			if sessionID := rctx.URLParam("sessionID"); sessionID != "" {
				fields = append(fields, "session_id", sessionID)
			}
		}
		return fields
	}
}

// auditMiddleware records every mutating API call on a dedicated logger.
func auditMiddleware(logger *slog.Logger, resolver *clientIPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)
			if !shouldAudit(r) {
				return
			}
			ip, _ := resolver.ClientIPFromRequest(r)
			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", ip,
			}
			if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
				fields = append(fields, "request_id", requestID)
			}
			logger.Info("audit", fields...)
		})
	}
}

func shouldAudit(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}
