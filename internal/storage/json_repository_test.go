package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rivercast/internal/models"
)

func jsonRepositoryFactory(t *testing.T) (Repository, func(), error) {
	t.Helper()
	repo, err := NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		return nil, nil, err
	}
	return repo, nil, nil
}

func TestJSONRepositorySessionLifecycle(t *testing.T) {
	RunRepositorySessionLifecycle(t, jsonRepositoryFactory)
}

func TestJSONRepositoryChatHistory(t *testing.T) {
	RunRepositoryChatHistory(t, jsonRepositoryFactory)
}

func TestJSONRepositoryViewersAndRecordings(t *testing.T) {
	RunRepositoryViewersAndRecordings(t, jsonRepositoryFactory)
}

func TestJSONRepositoryReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	repo, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	ctx := context.Background()
	session := models.StreamSession{
		ID:            "s-1",
		BroadcasterID: "b-1",
		IngestKey:     "plain-secret",
		IngestKeyHash: "digest",
		Status:        models.StatusPreparing,
		CreatedAt:     scenarioEpoch,
	}
	if err := repo.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	msg := models.ChatMessage{ID: "m-1", SessionID: "s-1", Seq: 1, SenderID: "u-1", Kind: models.ChatKindMessage, Body: "hi", CreatedAt: scenarioEpoch}
	if err := repo.AppendChatMessage(ctx, msg); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	if strings.Contains(string(raw), "plain-secret") {
		t.Fatal("store file must not contain the plaintext ingest key")
	}
	if !strings.Contains(string(raw), `"ingestKeyHash": "digest"`) {
		t.Fatalf("expected ingest key digest in store file, got %s", raw)
	}

	reloaded, err := NewJSONRepository(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession after reload: %v", err)
	}
	if got.IngestKeyHash != "digest" || got.IngestKey != "" || got.BroadcasterID != "b-1" {
		t.Fatalf("unexpected reloaded session: %+v", got)
	}
	history, err := reloaded.ListChatMessages(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("ListChatMessages after reload: %v", err)
	}
	if len(history) != 1 || history[0].Body != "hi" {
		t.Fatalf("unexpected history after reload: %+v", history)
	}
	if err := reloaded.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestJSONRepositoryRejectsEmptyPath(t *testing.T) {
	if _, err := NewJSONRepository("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: DefaultHistoryLimit, -5: DefaultHistoryLimit, 10: 10, 5000: maxHistoryLimit}
	for in, want := range cases {
		if got := normalizeLimit(in); got != want {
			t.Fatalf("normalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
