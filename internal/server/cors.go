package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"rivercast/internal/errs"
)

// CORSConfig declares the origins allowed to call the API across domains.
// When the list is empty only same-origin API requests are permitted.
// Manifests and segments under /live/ are readable from any origin so
// embedded players can fetch them.
type CORSConfig struct {
	AllowedOrigins []string
}

const (
	corsAllowMethods   = "GET, POST, DELETE, OPTIONS"
	corsDefaultHeaders = "Content-Type, X-Request-Id, X-Session-Id"
	corsExposeHeaders  = "X-Request-Id, Retry-After, Location"
)

// originGate decides which browser origins may reach the API.
type originGate struct {
	trusted map[string]bool
	logger  *slog.Logger
}

func newOriginGate(cfg CORSConfig, logger *slog.Logger) (*originGate, error) {
	gate := &originGate{trusted: make(map[string]bool, len(cfg.AllowedOrigins)), logger: logger}
	for _, raw := range cfg.AllowedOrigins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, ok := canonicalOrigin(raw)
		if !ok {
			return nil, fmt.Errorf("cors: %q is not a scheme://host origin", raw)
		}
		gate.trusted[origin] = true
	}
	return gate, nil
}

// canonicalOrigin lowercases scheme and host and drops any path.
func canonicalOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// selfOrigin is the origin the browser would report for a page served by
// this host.
func selfOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}

func (g *originGate) permits(r *http.Request, origin string) bool {
	canonical, ok := canonicalOrigin(origin)
	if !ok {
		return false
	}
	return g.trusted[canonical] || canonical == selfOrigin(r)
}

func isPlaybackRead(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/live/")
}

func (g *originGate) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		switch {
		case origin == "":
			next.ServeHTTP(w, r)
			return
		case isPlaybackRead(r):
			w.Header().Set("Access-Control-Allow-Origin", "*")
			next.ServeHTTP(w, r)
			return
		case !g.permits(r, origin):
			if g.logger != nil {
				g.logger.Warn("cross-origin request refused", "origin", origin, "path", r.URL.Path)
			}
			writeMiddlewareError(w, errs.ErrForbidden, "origin not allowed")
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		h.Add("Vary", "Origin")

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			allowHeaders := r.Header.Get("Access-Control-Request-Headers")
			if allowHeaders == "" {
				allowHeaders = corsDefaultHeaders
			}
			h.Set("Access-Control-Allow-Headers", allowHeaders)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
