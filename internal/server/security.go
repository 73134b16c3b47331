package server

import "net/http"

// SecurityConfig overrides the hardening headers set on every response.
// Empty fields keep the defaults, which suit a JSON API whose media is
// embedded by players on other origins.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	ResourcePolicy        string
}

var defaultSecurityHeaders = SecurityConfig{
	ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	FrameOptions:          "DENY",
	ReferrerPolicy:        "no-referrer",
	ContentTypeOptions:    "nosniff",
	ResourcePolicy:        "cross-origin",
}

// headerPairs lists header names and values, taking defaults for blanks.
func (cfg SecurityConfig) headerPairs() [][2]string {
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	d := defaultSecurityHeaders
	return [][2]string{
		{"Content-Security-Policy", pick(cfg.ContentSecurityPolicy, d.ContentSecurityPolicy)},
		{"X-Frame-Options", pick(cfg.FrameOptions, d.FrameOptions)},
		{"Referrer-Policy", pick(cfg.ReferrerPolicy, d.ReferrerPolicy)},
		{"X-Content-Type-Options", pick(cfg.ContentTypeOptions, d.ContentTypeOptions)},
		{"Cross-Origin-Resource-Policy", pick(cfg.ResourcePolicy, d.ResourcePolicy)},
	}
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	pairs := cfg.headerPairs()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range pairs {
				w.Header().Set(p[0], p[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
