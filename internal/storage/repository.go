// Package storage persists durable copies of sessions, viewer visits, chat
// history and recordings. Nothing on the live join or chat path reads from
// it; the in-memory registry stays authoritative.
package storage

import (
	"context"
	"time"

	"rivercast/internal/chat"
	"rivercast/internal/models"
	"rivercast/internal/recording"
)

// Repository exposes the durable operations required by the write-through
// writer, the chat persistence worker and the history endpoints.
type Repository interface {
	Ping(ctx context.Context) error

	SaveSession(ctx context.Context, session models.StreamSession) error
	GetSession(ctx context.Context, id string) (models.StreamSession, error)
	ListSessions(ctx context.Context, broadcasterID string, limit int) ([]models.StreamSession, error)

	SaveViewer(ctx context.Context, viewer models.Viewer) error
	ListViewers(ctx context.Context, sessionID string) ([]models.Viewer, error)

	AppendChatMessage(ctx context.Context, message models.ChatMessage) error
	DeleteChatMessage(ctx context.Context, sessionID, messageID string, at time.Time) error
	ListChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	RecordModeration(ctx context.Context, event chat.ModerationEvent, at time.Time) error
	ListModeration(ctx context.Context, sessionID string) ([]ModerationRecord, error)

	SaveRecording(ctx context.Context, artifact recording.Artifact) error
	ListRecordings(ctx context.Context, sessionID string) ([]recording.Artifact, error)

	Close(ctx context.Context) error
}

// ModerationRecord is a persisted moderation action.
type ModerationRecord struct {
	chat.ModerationEvent
	OccurredAt time.Time `json:"occurredAt"`
}

// DefaultHistoryLimit bounds chat history reads without an explicit limit.
const DefaultHistoryLimit = 100

const maxHistoryLimit = 1000

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	}
	return limit
}
