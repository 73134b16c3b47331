package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
	"rivercast/internal/lifecycle"
	"rivercast/internal/observability/logging"
	"rivercast/internal/session"
	"rivercast/internal/storage"
	"rivercast/internal/viewers"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// ManifestLocator resolves where a session's master manifest is written.
type ManifestLocator interface {
	ManifestPath(sessionID string) string
}

// HealthProbe is a named dependency check reported by /healthz.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires the handler's collaborators.
type Config struct {
	Orchestrator *lifecycle.Orchestrator
	Viewers      *viewers.Coordinator
	Chat         *chat.Hub
	Registry     *session.Registry
	// Store backs history and archived session reads. It may be nil.
	Store     storage.Repository
	Manifests ManifestLocator
	// OutputRoot is served under /live/ when set.
	OutputRoot string
	Probes     []HealthProbe
	Logger     *slog.Logger
}

// Handler serves the session API.
type Handler struct {
	orchestrator *lifecycle.Orchestrator
	viewers      *viewers.Coordinator
	chat         *chat.Hub
	registry     *session.Registry
	store        storage.Repository
	manifests    ManifestLocator
	outputRoot   string
	probes       []HealthProbe
	logger       *slog.Logger
}

// NewHandler validates cfg and returns a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Orchestrator == nil:
		return nil, errors.New("api: orchestrator is required")
	case cfg.Viewers == nil:
		return nil, errors.New("api: viewer coordinator is required")
	case cfg.Chat == nil:
		return nil, errors.New("api: chat hub is required")
	case cfg.Registry == nil:
		return nil, errors.New("api: registry is required")
	}
	return &Handler{
		orchestrator: cfg.Orchestrator,
		viewers:      cfg.Viewers,
		chat:         cfg.Chat,
		registry:     cfg.Registry,
		store:        cfg.Store,
		manifests:    cfg.Manifests,
		outputRoot:   cfg.OutputRoot,
		probes:       cfg.Probes,
		logger:       logging.WithComponent(logging.OrDefault(cfg.Logger), "api"),
	}, nil
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Post("/api/ingest/publish", h.IngestPublish)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/start", h.StartSession)
			r.Post("/end", h.EndSession)
			r.Get("/renditions", h.Renditions)
			r.Get("/history", h.History)

			r.Get("/viewers", h.ListViewers)
			r.Post("/viewers", h.JoinSession)
			r.Delete("/viewers/{viewerID}", h.LeaveSession)
			r.Get("/ws", h.ViewerSocket)

			r.Post("/chat", h.SendChat)
			r.Post("/moderation", h.Moderate)
			r.Get("/moderators", h.ListModerators)
			r.Post("/moderators", h.AddModerator)
			r.Delete("/moderators/{userID}", h.RemoveModerator)
		})
	})

	if h.outputRoot != "" {
		r.Handle("/live/*", http.StripPrefix("/live/", h.manifestServer()))
	}
}

// Routes returns a router with every route mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) manifestServer() http.Handler {
	files := http.FileServer(http.Dir(h.outputRoot))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Directory listings would expose every session id.
		if strings.HasSuffix(r.URL.Path, "/") || r.URL.Path == "" {
			http.NotFound(w, r)
			return
		}
		ext := path.Ext(r.URL.Path)
		if ext == ".m3u8" {
			if err := h.admitManifest(r); err != nil {
				h.fail(w, r, err)
				return
			}
		}
		switch ext {
		case ".m3u8":
			w.Header().Set("Content-Type", playlistContentType)
			w.Header().Set("Cache-Control", "no-cache")
		case ".ts":
			w.Header().Set("Content-Type", "video/mp2t")
		}
		files.ServeHTTP(w, r)
	})
}

// admitManifest gates the playlists of DRM sessions to viewers that were
// admitted by Join, identified by the viewerId query parameter or the
// X-Viewer-Id header. r.URL.Path is relative to the output root.
func (h *Handler) admitManifest(r *http.Request) error {
	sessionID, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	current, err := h.registry.Get(sessionID)
	if err != nil || !current.DRMRequired {
		return nil
	}
	viewerID := strings.TrimSpace(r.URL.Query().Get(viewers.ManifestViewerParam))
	if viewerID == "" {
		viewerID = strings.TrimSpace(r.Header.Get("X-Viewer-Id"))
	}
	if viewerID == "" || !h.viewers.IsJoined(sessionID, viewerID) {
		return fmt.Errorf("%w: session %s requires playback authorization", errs.ErrForbidden, sessionID)
	}
	h.viewers.Touch(sessionID, viewerID)
	return nil
}

// fail writes err and logs it when it maps to a server error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, err)
	if status := errs.HTTPStatus(err); status >= http.StatusInternalServerError {
		logger := logging.LoggerFromContext(r.Context())
		if logger == nil {
			logger = h.logger
		}
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
}

// Health reports registry size and collaborator health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overall, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     overall,
		"sessions":   h.registry.Len(),
		"components": components,
	})
}
