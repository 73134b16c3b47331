package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"rivercast/internal/errs"
	"rivercast/internal/models"
)

// ModerationRequest describes one moderation action against a session.
type ModerationRequest struct {
	SessionID string
	ActorID   string
	Action    ModerationAction
	TargetID  string
	// MessageID identifies the message to retract for delete_message.
	MessageID string
	// Duration bounds a timeout.
	Duration time.Duration
	Reason   string
}

// DefaultTimeout applies when a timeout request carries no duration.
const DefaultTimeout = 10 * time.Minute

// Moderate applies a moderation action and broadcasts it to every viewer of
// the session. Only the broadcaster or a registered moderator may moderate.
func (h *Hub) Moderate(ctx context.Context, req ModerationRequest) (models.ChatMessage, error) {
	if !req.Action.Valid() {
		return models.ChatMessage{}, fmt.Errorf("%w: unknown moderation action %q", errs.ErrInvalidArgument, req.Action)
	}
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.ActorID == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: moderator is required", errs.ErrInvalidArgument)
	}
	if req.Action == ModerationActionDeleteMessage {
		if strings.TrimSpace(req.MessageID) == "" {
			req.MessageID = req.TargetID
		}
		if strings.TrimSpace(req.MessageID) == "" {
			return models.ChatMessage{}, fmt.Errorf("%w: message id is required", errs.ErrInvalidArgument)
		}
	} else if req.TargetID == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: target is required", errs.ErrInvalidArgument)
	}
	r, err := h.room(req.SessionID)
	if err != nil {
		return models.ChatMessage{}, err
	}

	now := h.now().UTC()
	var expiresAt *time.Time
	r.mu.Lock()
	if !r.canModerateLocked(req.ActorID) {
		r.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("%w: %s may not moderate session %s", errs.ErrForbidden, req.ActorID, req.SessionID)
	}
	if req.TargetID != "" && req.TargetID == r.ownerID && req.Action != ModerationActionDeleteMessage {
		r.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("%w: the broadcaster cannot be moderated", errs.ErrForbidden)
	}
	switch req.Action {
	case ModerationActionBan:
		r.bans[req.TargetID] = struct{}{}
		delete(r.timeouts, req.TargetID)
	case ModerationActionUnban:
		delete(r.bans, req.TargetID)
	case ModerationActionTimeout:
		duration := req.Duration
		if duration <= 0 {
			duration = DefaultTimeout
		}
		expiry := now.Add(duration)
		r.timeouts[req.TargetID] = expiry
		expiresAt = &expiry
	case ModerationActionRemoveTimeout:
		delete(r.timeouts, req.TargetID)
	}
	r.mu.Unlock()

	data := map[string]string{
		"action":  string(req.Action),
		"actorId": req.ActorID,
	}
	if req.TargetID != "" {
		data["targetId"] = req.TargetID
	}
	if req.MessageID != "" {
		data["messageId"] = req.MessageID
	}
	if expiresAt != nil {
		data["expiresAt"] = expiresAt.Format(time.RFC3339)
	}
	if req.Reason != "" {
		data["reason"] = req.Reason
	}
	msg, err := r.enqueue(models.ChatMessage{
		SenderID: models.SystemSender,
		Kind:     models.ChatKindSystem,
		Event:    "moderation",
		Data:     data,
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	h.queuePersist(Event{
		Type: EventTypeModeration,
		Moderation: &ModerationEvent{
			Action:    req.Action,
			SessionID: req.SessionID,
			ActorID:   req.ActorID,
			TargetID:  req.TargetID,
			MessageID: req.MessageID,
			ExpiresAt: expiresAt,
			Reason:    req.Reason,
		},
		OccurredAt: now,
	})
	h.logger.Info("chat moderation applied", "session_id", req.SessionID, "action", req.Action, "actor_id", req.ActorID, "target_id", req.TargetID)
	return msg, nil
}

// AddModerator registers userID as a moderator. Only the broadcaster may
// change the moderator list.
func (h *Hub) AddModerator(sessionID, actorID, userID string) error {
	return h.setModerator(sessionID, actorID, userID, true)
}

func (h *Hub) RemoveModerator(sessionID, actorID, userID string) error {
	return h.setModerator(sessionID, actorID, userID, false)
}

func (h *Hub) setModerator(sessionID, actorID, userID string, add bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", errs.ErrInvalidArgument)
	}
	r, err := h.room(sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if actorID != r.ownerID {
		return fmt.Errorf("%w: only the broadcaster may manage moderators", errs.ErrForbidden)
	}
	if add {
		r.moderators[userID] = struct{}{}
	} else {
		delete(r.moderators, userID)
	}
	return nil
}

// Moderators lists the registered moderators of a session.
func (h *Hub) Moderators(sessionID string) ([]string, error) {
	r, err := h.room(sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]string, 0, len(r.moderators))
	for id := range r.moderators {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (r *room) canModerateLocked(actorID string) bool {
	if actorID == r.ownerID {
		return true
	}
	_, ok := r.moderators[actorID]
	return ok
}
