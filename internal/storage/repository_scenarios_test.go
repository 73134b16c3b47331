package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/recording"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory) Repository {
	t.Helper()
	repo, cleanup, err := factory(t)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

var scenarioEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// RunRepositorySessionLifecycle checks session upserts, lookups and listing.
func RunRepositorySessionLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	first := models.StreamSession{
		ID:            "s-1",
		BroadcasterID: "b-1",
		Title:         "first",
		IngestKeyHash: "digest",
		Status:        models.StatusPreparing,
		CreatedAt:     scenarioEpoch,
		ChatEnabled:   true,
		Renditions:    []string{"720p", "360p"},
	}
	if err := repo.SaveSession(ctx, first); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	started := scenarioEpoch.Add(time.Minute)
	first.Status = models.StatusLive
	first.StartedAt = &started
	first.IngestKeyHash = ""
	first.ViewerCount = 3
	first.PeakViewers = 3
	if err := repo.SaveSession(ctx, first); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	second := models.StreamSession{ID: "s-2", BroadcasterID: "b-1", Status: models.StatusPreparing, CreatedAt: scenarioEpoch.Add(time.Hour)}
	other := models.StreamSession{ID: "s-3", BroadcasterID: "b-2", Status: models.StatusPreparing, CreatedAt: scenarioEpoch.Add(2 * time.Hour)}
	for _, s := range []models.StreamSession{second, other} {
		if err := repo.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession %s: %v", s.ID, err)
		}
	}

	loaded, err := repo.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if loaded.Status != models.StatusLive || loaded.StartedAt == nil || !loaded.StartedAt.Equal(started) {
		t.Fatalf("unexpected session after update: %+v", loaded)
	}
	if loaded.IngestKeyHash != "digest" {
		t.Fatalf("expected ingest key digest to survive update, got %q", loaded.IngestKeyHash)
	}
	if len(loaded.Renditions) != 2 || loaded.Renditions[0] != "720p" {
		t.Fatalf("unexpected renditions: %v", loaded.Renditions)
	}
	if loaded.PeakViewers != 3 {
		t.Fatalf("expected peak 3, got %d", loaded.PeakViewers)
	}

	if _, err := repo.GetSession(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	listed, err := repo.ListSessions(ctx, "b-1", 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "s-2" || listed[1].ID != "s-1" {
		t.Fatalf("expected newest first for b-1, got %+v", listed)
	}
	all, err := repo.ListSessions(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "s-3" {
		t.Fatalf("expected limit to apply to newest sessions, got %+v", all)
	}
}

// RunRepositoryChatHistory checks append idempotency, deletion and history
// windows.
func RunRepositoryChatHistory(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		msg := models.ChatMessage{
			ID:        "m-" + string(rune('0'+i)),
			SessionID: "s-1",
			Seq:       int64(i),
			SenderID:  "u-1",
			Kind:      models.ChatKindMessage,
			Body:      "hello",
			CreatedAt: scenarioEpoch.Add(time.Duration(i) * time.Second),
		}
		if err := repo.AppendChatMessage(ctx, msg); err != nil {
			t.Fatalf("AppendChatMessage %d: %v", i, err)
		}
	}
	dup := models.ChatMessage{ID: "m-2", SessionID: "s-1", Seq: 2, SenderID: "u-1", Kind: models.ChatKindMessage, Body: "again", CreatedAt: scenarioEpoch}
	if err := repo.AppendChatMessage(ctx, dup); err != nil {
		t.Fatalf("AppendChatMessage duplicate: %v", err)
	}

	recent, err := repo.ListChatMessages(ctx, "s-1", 2)
	if err != nil {
		t.Fatalf("ListChatMessages: %v", err)
	}
	if len(recent) != 2 || recent[0].Seq != 2 || recent[1].Seq != 3 {
		t.Fatalf("expected the two most recent messages oldest first, got %+v", recent)
	}
	if recent[0].Body != "hello" {
		t.Fatalf("expected redelivery to be ignored, got body %q", recent[0].Body)
	}

	if err := repo.DeleteChatMessage(ctx, "s-1", "m-3", scenarioEpoch.Add(time.Minute)); err != nil {
		t.Fatalf("DeleteChatMessage: %v", err)
	}
	visible, err := repo.ListChatMessages(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("ListChatMessages after delete: %v", err)
	}
	if len(visible) != 2 || visible[1].ID != "m-2" {
		t.Fatalf("expected deleted message hidden, got %+v", visible)
	}
	if err := repo.DeleteChatMessage(ctx, "s-1", "missing", scenarioEpoch); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found deleting unknown message, got %v", err)
	}

	expires := scenarioEpoch.Add(10 * time.Minute)
	event := chat.ModerationEvent{
		Action:    chat.ModerationActionTimeout,
		SessionID: "s-1",
		ActorID:   "owner",
		TargetID:  "u-1",
		ExpiresAt: &expires,
		Reason:    "spam",
	}
	if err := repo.RecordModeration(ctx, event, scenarioEpoch); err != nil {
		t.Fatalf("RecordModeration: %v", err)
	}
	records, err := repo.ListModeration(ctx, "s-1")
	if err != nil {
		t.Fatalf("ListModeration: %v", err)
	}
	if len(records) != 1 || records[0].Action != chat.ModerationActionTimeout || records[0].TargetID != "u-1" {
		t.Fatalf("unexpected moderation records: %+v", records)
	}
	if records[0].ExpiresAt == nil || !records[0].ExpiresAt.Equal(expires) || !records[0].OccurredAt.Equal(scenarioEpoch) {
		t.Fatalf("unexpected moderation timestamps: %+v", records[0])
	}
}

// RunRepositoryViewersAndRecordings checks viewer visit upserts and recording
// listings.
func RunRepositoryViewersAndRecordings(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	viewer := models.Viewer{
		ID:         "v-1",
		UserID:     "u-1",
		SessionID:  "s-1",
		Metadata:   map[string]string{"player": "web"},
		JoinedAt:   scenarioEpoch,
		LastSeenAt: scenarioEpoch,
	}
	if err := repo.SaveViewer(ctx, viewer); err != nil {
		t.Fatalf("SaveViewer: %v", err)
	}
	left := scenarioEpoch.Add(5 * time.Minute)
	viewer.LeftAt = &left
	viewer.LastSeenAt = left
	if err := repo.SaveViewer(ctx, viewer); err != nil {
		t.Fatalf("SaveViewer update: %v", err)
	}
	anon := models.Viewer{ID: "v-2", SessionID: "s-1", JoinedAt: scenarioEpoch.Add(time.Minute), LastSeenAt: scenarioEpoch.Add(time.Minute)}
	if err := repo.SaveViewer(ctx, anon); err != nil {
		t.Fatalf("SaveViewer anonymous: %v", err)
	}

	viewers, err := repo.ListViewers(ctx, "s-1")
	if err != nil {
		t.Fatalf("ListViewers: %v", err)
	}
	if len(viewers) != 2 {
		t.Fatalf("expected one visit per viewer, got %+v", viewers)
	}
	if viewers[0].ID != "v-1" || viewers[0].LeftAt == nil || !viewers[0].LeftAt.Equal(left) {
		t.Fatalf("expected first visit closed, got %+v", viewers[0])
	}
	if viewers[0].Metadata["player"] != "web" || viewers[1].UserID != "" {
		t.Fatalf("unexpected viewer details: %+v", viewers)
	}

	artifact := recording.Artifact{
		SessionID: "s-1",
		Path:      "/var/lib/rivercast/recordings/s-1.ts",
		Bytes:     2048,
		StartedAt: scenarioEpoch,
		EndedAt:   scenarioEpoch.Add(time.Hour),
		ObjectKey: "recordings/s-1.ts",
	}
	if err := repo.SaveRecording(ctx, artifact); err != nil {
		t.Fatalf("SaveRecording: %v", err)
	}
	recordings, err := repo.ListRecordings(ctx, "s-1")
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(recordings) != 1 || recordings[0].Bytes != 2048 || recordings[0].ObjectKey != artifact.ObjectKey {
		t.Fatalf("unexpected recordings: %+v", recordings)
	}
	if got, _ := repo.ListRecordings(ctx, "other"); len(got) != 0 {
		t.Fatalf("expected no recordings for other session, got %+v", got)
	}
}
