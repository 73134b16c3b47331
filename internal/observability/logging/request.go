package logging

import (
	"log/slog"
	"net/http"
	"time"

	"rivercast/internal/observability/metrics"
)

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// AdditionalFields appends attributes computed after the handler ran.
	AdditionalFields func(r *http.Request, status int, elapsed time.Duration) []any
}

// RequestLogger writes one "request completed" record per request. The
// logger attached to the request context wins over cfg.Logger.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	fallback := OrDefault(cfg.Logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rw := metrics.NewResponseRecorder(w)
			next.ServeHTTP(rw, r)
			elapsed := time.Since(started)

			logger := LoggerFromContext(r.Context())
			if logger == nil {
				logger = WithContext(r.Context(), fallback)
			}
			status := rw.Status()
			attrs := make([]any, 0, 12)
			attrs = append(attrs,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
			)
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, elapsed)...)
			}
			logger.Log(r.Context(), levelForStatus(status), "request completed", attrs...)
		})
	}
}

func levelForStatus(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
