package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/viewers"
)

type joinRequest struct {
	ViewerID string            `json:"viewerId"`
	UserID   string            `json:"userId"`
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.viewers.Join(r.Context(), viewers.JoinRequest{
		SessionID: chi.URLParam(r, "sessionID"),
		ViewerID:  strings.TrimSpace(req.ViewerID),
		UserID:    strings.TrimSpace(req.UserID),
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LeaveSession always answers 204; leaving twice or leaving an unknown
// session is a no-op.
func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	h.viewers.Leave(chi.URLParam(r, "sessionID"), chi.URLParam(r, "viewerID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListViewers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	count, peak, err := h.viewers.Count(sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list := h.viewers.Viewers(sessionID)
	if list == nil {
		list = []models.Viewer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"viewerCount": count,
		"peakViewers": peak,
		"viewers":     list,
	})
}

// ViewerSocket upgrades a joined viewer to the chat and event stream.
// Closing the socket leaves the session.
func (h *Handler) ViewerSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	viewerID := strings.TrimSpace(r.URL.Query().Get("viewerId"))
	if viewerID == "" {
		h.fail(w, r, fmt.Errorf("%w: viewerId is required", errs.ErrInvalidArgument))
		return
	}

	var viewer *models.Viewer
	for _, v := range h.viewers.Viewers(sessionID) {
		if v.ID == viewerID {
			v := v
			viewer = &v
			break
		}
	}
	if viewer == nil {
		h.fail(w, r, fmt.Errorf("%w: viewer %s has not joined session %s", errs.ErrForbidden, viewerID, sessionID))
		return
	}

	opts := chat.ServeOptions{
		SessionID:  sessionID,
		ViewerID:   viewerID,
		OnActivity: func() { h.viewers.Touch(sessionID, viewerID) },
		OnClose:    func() { h.viewers.Leave(sessionID, viewerID) },
	}
	if viewer.Identified() {
		opts.SenderID = viewer.UserID
	}
	if err := h.chat.ServeWS(w, r, opts); err != nil {
		var handshake websocket.HandshakeError
		if errors.As(err, &handshake) {
			// The upgrader has already answered the request.
			h.logger.Debug("viewer websocket handshake failed", "session_id", sessionID, "viewer_id", viewerID, "error", err)
			return
		}
		h.fail(w, r, err)
	}
}
