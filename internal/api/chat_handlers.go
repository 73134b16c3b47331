package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
)

type chatRequest struct {
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
}

type moderationRequest struct {
	ModeratorID string `json:"moderatorId"`
	Action      string `json:"action"`
	TargetID    string `json:"targetId"`
	MessageID   string `json:"messageId"`
	DurationMs  int64  `json:"durationMs"`
	Reason      string `json:"reason"`
}

type moderatorRequest struct {
	BroadcasterID string `json:"broadcasterId"`
	UserID        string `json:"userId"`
}

func (h *Handler) SendChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	msg, err := h.chat.Send(r.Context(), chi.URLParam(r, "sessionID"), strings.TrimSpace(req.SenderID), req.Body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) Moderate(w http.ResponseWriter, r *http.Request) {
	var req moderationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.DurationMs < 0 {
		h.fail(w, r, fmt.Errorf("%w: durationMs must not be negative", errs.ErrInvalidArgument))
		return
	}
	msg, err := h.chat.Moderate(r.Context(), chat.ModerationRequest{
		SessionID: chi.URLParam(r, "sessionID"),
		ActorID:   strings.TrimSpace(req.ModeratorID),
		Action:    chat.ModerationAction(strings.ToLower(strings.TrimSpace(req.Action))),
		TargetID:  strings.TrimSpace(req.TargetID),
		MessageID: strings.TrimSpace(req.MessageID),
		Duration:  time.Duration(req.DurationMs) * time.Millisecond,
		Reason:    req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ListModerators(w http.ResponseWriter, r *http.Request) {
	moderators, err := h.chat.Moderators(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if moderators == nil {
		moderators = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"moderators": moderators})
}

func (h *Handler) AddModerator(w http.ResponseWriter, r *http.Request) {
	var req moderatorRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.chat.AddModerator(sessionID, strings.TrimSpace(req.BroadcasterID), strings.TrimSpace(req.UserID)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.ListModerators(w, r)
}

// RemoveModerator takes the acting broadcaster from ?broadcasterId=.
func (h *Handler) RemoveModerator(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	actorID := strings.TrimSpace(r.URL.Query().Get("broadcasterId"))
	if err := h.chat.RemoveModerator(sessionID, actorID, chi.URLParam(r, "userID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
