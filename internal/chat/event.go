package chat

import (
	"time"

	"rivercast/internal/models"
)

// EventType enumerates the events forwarded to the persistence queue.
type EventType string

const (
	// EventTypeMessage carries an accepted chat message of any kind.
	EventTypeMessage EventType = "message"
	// EventTypeModeration carries a moderation action.
	EventTypeModeration EventType = "moderation"
)

// ModerationAction enumerates the moderation operations available to the
// broadcaster and registered moderators.
type ModerationAction string

const (
	// ModerationActionTimeout temporarily mutes a user in the session.
	ModerationActionTimeout ModerationAction = "timeout"
	// ModerationActionRemoveTimeout clears an active timeout.
	ModerationActionRemoveTimeout ModerationAction = "remove_timeout"
	// ModerationActionBan blocks a user from chatting for the rest of the
	// session.
	ModerationActionBan ModerationAction = "ban"
	// ModerationActionUnban lifts a ban.
	ModerationActionUnban ModerationAction = "unban"
	// ModerationActionDeleteMessage retracts a previously sent message.
	ModerationActionDeleteMessage ModerationAction = "delete_message"
)

// Valid reports whether a is a known action.
func (a ModerationAction) Valid() bool {
	switch a {
	case ModerationActionTimeout, ModerationActionRemoveTimeout, ModerationActionBan, ModerationActionUnban, ModerationActionDeleteMessage:
		return true
	}
	return false
}

// Event is the wire representation forwarded to the persistence queue.
type Event struct {
	Type       EventType           `json:"type"`
	Message    *models.ChatMessage `json:"message,omitempty"`
	Moderation *ModerationEvent    `json:"moderation,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

// ModerationEvent describes an action taken by the broadcaster or a
// moderator.
type ModerationEvent struct {
	Action    ModerationAction `json:"action"`
	SessionID string           `json:"sessionId"`
	ActorID   string           `json:"actorId"`
	TargetID  string           `json:"targetId,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}
