package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rivercast/internal/models"
	"rivercast/internal/recording"
)

// Snapshot is a point-in-time copy of a JSON datastore, ordered so it can be
// replayed into another repository.
type Snapshot struct {
	Sessions     []models.StreamSession
	Viewers      []models.Viewer
	ChatMessages []SnapshotMessage
	Moderation   []ModerationRecord
	Recordings   []recording.Artifact
}

// SnapshotMessage carries a chat message with its soft-delete stamp.
type SnapshotMessage struct {
	models.ChatMessage
	DeletedAt *time.Time
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Sessions     int
	Viewers      int
	ChatMessages int
	Moderation   int
	Recordings   int
}

// LoadSnapshotFromJSON reads the datastore at path without modifying it.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	repo, err := NewJSONRepository(path)
	if err != nil {
		return Snapshot{}, err
	}
	return repo.Snapshot(), nil
}

// Snapshot copies the full dataset, including deleted chat messages.
func (r *JSONRepository) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var snap Snapshot
	for _, record := range r.data.Sessions {
		snap.Sessions = append(snap.Sessions, record.toModel())
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		if snap.Sessions[i].CreatedAt.Equal(snap.Sessions[j].CreatedAt) {
			return snap.Sessions[i].ID < snap.Sessions[j].ID
		}
		return snap.Sessions[i].CreatedAt.Before(snap.Sessions[j].CreatedAt)
	})
	for _, viewer := range r.data.Viewers {
		snap.Viewers = append(snap.Viewers, viewer)
	}
	sort.Slice(snap.Viewers, func(i, j int) bool {
		return viewerKey(snap.Viewers[i]) < viewerKey(snap.Viewers[j])
	})
	for _, session := range snap.Sessions {
		for _, message := range r.data.ChatMessages[session.ID] {
			snap.ChatMessages = append(snap.ChatMessages, SnapshotMessage{ChatMessage: message.ChatMessage, DeletedAt: message.DeletedAt})
		}
		snap.Moderation = append(snap.Moderation, r.data.Moderation[session.ID]...)
		snap.Recordings = append(snap.Recordings, r.data.Recordings[session.ID]...)
	}
	return snap
}

func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Sessions:     len(s.Sessions),
		Viewers:      len(s.Viewers),
		ChatMessages: len(s.ChatMessages),
		Moderation:   len(s.Moderation),
		Recordings:   len(s.Recordings),
	}
}

// ImportSnapshot replays snap into dst. Sessions, viewers, chat messages and
// recordings are upserts; moderation records are appended, so import into an
// empty datastore.
func ImportSnapshot(ctx context.Context, dst Repository, snap Snapshot) error {
	for _, session := range snap.Sessions {
		if err := dst.SaveSession(ctx, session); err != nil {
			return fmt.Errorf("import session %s: %w", session.ID, err)
		}
	}
	for _, viewer := range snap.Viewers {
		if err := dst.SaveViewer(ctx, viewer); err != nil {
			return fmt.Errorf("import viewer %s: %w", viewer.ID, err)
		}
	}
	for _, message := range snap.ChatMessages {
		if err := dst.AppendChatMessage(ctx, message.ChatMessage); err != nil {
			return fmt.Errorf("import chat message %s: %w", message.ID, err)
		}
		if message.DeletedAt != nil {
			if err := dst.DeleteChatMessage(ctx, message.SessionID, message.ID, *message.DeletedAt); err != nil {
				return fmt.Errorf("import chat deletion %s: %w", message.ID, err)
			}
		}
	}
	for _, record := range snap.Moderation {
		if err := dst.RecordModeration(ctx, record.ModerationEvent, record.OccurredAt); err != nil {
			return fmt.Errorf("import moderation for session %s: %w", record.SessionID, err)
		}
	}
	for _, artifact := range snap.Recordings {
		if err := dst.SaveRecording(ctx, artifact); err != nil {
			return fmt.Errorf("import recording %s: %w", artifact.Path, err)
		}
	}
	return nil
}
