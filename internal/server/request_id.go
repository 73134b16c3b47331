package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"rivercast/internal/observability/logging"
)

const (
	requestIDHeader = "X-Request-Id"
	sessionIDHeader = "X-Session-Id"
	maxRequestIDLen = 128
)

// usableRequestID accepts caller supplied IDs made of printable ASCII
// without spaces, up to maxRequestIDLen bytes.
func usableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// mintRequestID prefers time ordered v7 UUIDs so IDs sort with the log.
func mintRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return tagRequests(logger, mintRequestID)
}

// tagRequests echoes a usable X-Request-Id or mints one, then places a logger
// carrying the request ID, and the X-Session-Id when sent, on the context.
func tagRequests(logger *slog.Logger, mint func() string) func(http.Handler) http.Handler {
	base := logging.OrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if !usableRequestID(id) {
				id = mint()
			}
			ctx := logging.ContextWithRequestID(r.Context(), id)
			ctx = logging.ContextWithSessionID(ctx, r.Header.Get(sessionIDHeader))
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, base))

			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
