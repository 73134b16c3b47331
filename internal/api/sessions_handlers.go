package api

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"rivercast/internal/errs"
	"rivercast/internal/lifecycle"
	"rivercast/internal/models"
	"rivercast/internal/transcode"
)

type createSessionRequest struct {
	BroadcasterID    string `json:"broadcasterId"`
	Title            string `json:"title"`
	ChatEnabled      *bool  `json:"chatEnabled"`
	RecordingEnabled bool   `json:"recordingEnabled"`
	DRMRequired      bool   `json:"drmRequired"`
	MaxViewers       int    `json:"maxViewers"`
}

// createSessionResponse is the only response that carries the plaintext
// ingest key.
type createSessionResponse struct {
	models.StreamSession
	IngestKey string `json:"ingestKey"`
}

type broadcasterRequest struct {
	BroadcasterID string `json:"broadcasterId"`
}

type renditionsResponse struct {
	SessionID  string              `json:"sessionId"`
	Renditions []string            `json:"renditions"`
	Variants   []transcode.Variant `json:"variants"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	chatEnabled := true
	if req.ChatEnabled != nil {
		chatEnabled = *req.ChatEnabled
	}
	created, err := h.orchestrator.Create(lifecycle.CreateRequest{
		BroadcasterID:    strings.TrimSpace(req.BroadcasterID),
		Title:            req.Title,
		ChatEnabled:      chatEnabled,
		RecordingEnabled: req.RecordingEnabled,
		DRMRequired:      req.DRMRequired,
		MaxViewers:       req.MaxViewers,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+created.ID)
	writeJSON(w, http.StatusCreated, createSessionResponse{StreamSession: created, IngestKey: created.IngestKey})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req broadcasterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.orchestrator.Start(r.Context(), chi.URLParam(r, "sessionID"), strings.TrimSpace(req.BroadcasterID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req broadcasterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.orchestrator.End(r.Context(), sessionID, strings.TrimSpace(req.BroadcasterID)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "status": string(models.StatusEnded)})
}

// ListSessions returns the sessions held by the registry. With
// ?archived=true it reads the durable store instead, which also holds
// sessions that have ended.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	broadcasterID := strings.TrimSpace(query.Get("broadcasterId"))
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if archived, _ := strconv.ParseBool(query.Get("archived")); archived {
		if h.store == nil {
			h.fail(w, r, fmt.Errorf("%w: session archive is not configured", errs.ErrNotFound))
			return
		}
		sessions, err := h.store.ListSessions(r.Context(), broadcasterID, limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
		return
	}

	all := h.registry.List()
	out := make([]models.StreamSession, 0, len(all))
	for _, s := range all {
		if broadcasterID != "" && s.BroadcasterID != broadcasterID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSession reads the registry first and falls back to the durable store
// for sessions that have already ended.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	current, err := h.registry.Get(sessionID)
	if err == nil {
		if count, peak, cerr := h.viewers.Count(sessionID); cerr == nil {
			current.ViewerCount = count
			current.PeakViewers = peak
		}
		writeJSON(w, http.StatusOK, current)
		return
	}
	if !errors.Is(err, errs.ErrNotFound) || h.store == nil {
		h.fail(w, r, err)
		return
	}
	archived, serr := h.store.GetSession(r.Context(), sessionID)
	if serr != nil {
		h.fail(w, r, serr)
		return
	}
	writeJSON(w, http.StatusOK, archived)
}

// Renditions returns the surviving renditions and the master manifest
// as currently written.
func (h *Handler) Renditions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	current, err := h.registry.Get(sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if current.Status != models.StatusLive {
		h.fail(w, r, fmt.Errorf("%w: session %s is %s", errs.ErrInvalidState, sessionID, current.Status))
		return
	}
	resp := renditionsResponse{SessionID: sessionID, Renditions: current.Renditions, Variants: []transcode.Variant{}}
	if resp.Renditions == nil {
		resp.Renditions = []string{}
	}
	if h.manifests != nil {
		variants, err := transcode.ReadMaster(h.manifests.ManifestPath(sessionID))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// No segment has been written yet.
		case err != nil:
			h.fail(w, r, err)
			return
		default:
			resp.Variants = variants
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// History returns durable chat history, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.fail(w, r, fmt.Errorf("%w: chat history is not configured", errs.ErrNotFound))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	messages, err := h.store.ListChatMessages(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errs.ErrInvalidArgument)
	}
	return limit, nil
}
