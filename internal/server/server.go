package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rivercast/internal/api"
	"rivercast/internal/errs"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
	"rivercast/internal/serverutil"
)

// Config controls the HTTP server.
type Config struct {
	Addr      string
	TLS       serverutil.TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	// AuditLogger receives one line per mutating API call when set.
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
	// MetricsGauges runs before every /metrics scrape.
	MetricsGauges   func()
	ShutdownTimeout time.Duration
}

// Server owns the router and the listener configuration.
type Server struct {
	httpServer      *http.Server
	router          chi.Router
	logger          *slog.Logger
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
}

// New assembles the middleware chain around handler's routes.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := logging.WithComponent(logging.OrDefault(cfg.Logger), "http")

	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	origins, err := newOriginGate(cfg.CORS, logger)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields:  requestFields(resolver),
	}))
	r.Use(metrics.HTTPMiddleware(recorder))
	r.Use(auditMiddleware(cfg.AuditLogger, resolver))
	r.Use(securityHeadersMiddleware(cfg.Security))
	r.Use(origins.middleware)
	r.Use(rateLimitMiddleware(rl, resolver, logger, recorder))

	r.Method(http.MethodGet, "/metrics", recorder.Handler(cfg.MetricsGauges))
	handler.Register(r)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, fmt.Errorf("%w: no route for %s", errs.ErrNotFound, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed", "method_not_allowed")
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Joins may wait for a preparing session to go live.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:      httpServer,
		router:          r,
		logger:          logger,
		tls:             cfg.TLS,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
		OnListen: func(addr net.Addr) {
			s.logger.Info("http server listening", "addr", addr.String(), "tls", s.tls.Enabled())
		},
		Logger: s.logger,
	})
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, recorder *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Probes and scrapes must keep working under load.
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.AllowRequest() {
				writeRateLimited(w, time.Second, "global rate limit exceeded")
				return
			}
			ip, _ := resolver.ClientIPFromRequest(r)
			allowed, retryAfter, err := rl.AllowClient(r.Context(), ip)
			if err != nil {
				if logger != nil {
					logger.Warn("client rate limiter unavailable", "error", err)
				}
				if recorder != nil {
					recorder.CollaboratorFailure("rate_limiter")
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeRateLimited(w, retryAfter, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
