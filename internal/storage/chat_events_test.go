package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/observability/logging"
)

func TestApplyChatEventPersistsMessage(t *testing.T) {
	repo, _, err := jsonRepositoryFactory(t)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	ctx := context.Background()
	msg := &models.ChatMessage{ID: "m-1", SessionID: "s-1", Seq: 1, SenderID: "u-1", Kind: models.ChatKindMessage, Body: "hello", CreatedAt: scenarioEpoch}
	if err := ApplyChatEvent(ctx, repo, chat.Event{Type: chat.EventTypeMessage, Message: msg, OccurredAt: scenarioEpoch}); err != nil {
		t.Fatalf("ApplyChatEvent: %v", err)
	}
	messages, err := repo.ListChatMessages(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("ListChatMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].Body != "hello" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestApplyChatEventDeleteMessageHidesHistory(t *testing.T) {
	repo, _, err := jsonRepositoryFactory(t)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	ctx := context.Background()
	msg := &models.ChatMessage{ID: "m-1", SessionID: "s-1", Seq: 1, SenderID: "u-1", Kind: models.ChatKindMessage, Body: "spam", CreatedAt: scenarioEpoch}
	if err := ApplyChatEvent(ctx, repo, chat.Event{Type: chat.EventTypeMessage, Message: msg}); err != nil {
		t.Fatalf("ApplyChatEvent message: %v", err)
	}
	moderation := &chat.ModerationEvent{Action: chat.ModerationActionDeleteMessage, SessionID: "s-1", ActorID: "owner", MessageID: "m-1"}
	if err := ApplyChatEvent(ctx, repo, chat.Event{Type: chat.EventTypeModeration, Moderation: moderation, OccurredAt: scenarioEpoch}); err != nil {
		t.Fatalf("ApplyChatEvent moderation: %v", err)
	}
	if messages, _ := repo.ListChatMessages(ctx, "s-1", 0); len(messages) != 0 {
		t.Fatalf("expected deleted message hidden, got %+v", messages)
	}
	records, _ := repo.ListModeration(ctx, "s-1")
	if len(records) != 1 || records[0].MessageID != "m-1" {
		t.Fatalf("expected moderation record, got %+v", records)
	}
}

func TestApplyChatEventRejectsMalformedEvents(t *testing.T) {
	repo, _, err := jsonRepositoryFactory(t)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	ctx := context.Background()
	cases := []chat.Event{
		{Type: chat.EventTypeMessage},
		{Type: chat.EventTypeModeration},
		{Type: chat.EventTypeMessage, Message: &models.ChatMessage{ID: "m-1"}},
		{Type: "report"},
	}
	for _, evt := range cases {
		if err := ApplyChatEvent(ctx, repo, evt); err == nil {
			t.Fatalf("expected error for %+v", evt)
		}
	}
}

func TestChatWorkerPersistsQueuedEvents(t *testing.T) {
	repo, _, err := jsonRepositoryFactory(t)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	queue := chat.NewMemoryQueue(8)
	worker := NewChatWorker(repo, queue, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		worker.Run(ctx)
	}()
	<-started

	msg := &models.ChatMessage{ID: "m-1", SessionID: "s-1", Seq: 1, SenderID: "u-1", Kind: models.ChatKindMessage, Body: "queued", CreatedAt: scenarioEpoch}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := queue.Publish(context.Background(), chat.Event{Type: chat.EventTypeMessage, Message: msg}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if messages, _ := repo.ListChatMessages(context.Background(), "s-1", 0); len(messages) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for worker to persist message")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

type flakyChatRepository struct {
	Repository
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyChatRepository) AppendChatMessage(ctx context.Context, msg models.ChatMessage) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Repository.AppendChatMessage(ctx, msg)
}

func TestChatWorkerRetriesTransientFailures(t *testing.T) {
	base, _, err := jsonRepositoryFactory(t)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	repo := &flakyChatRepository{Repository: base}
	repo.failures.Store(2)
	worker := NewChatWorker(repo, chat.NewMemoryQueue(1), logging.Discard())
	worker.backoff = time.Millisecond

	msg := &models.ChatMessage{ID: "m-1", SessionID: "s-1", Seq: 1, SenderID: "u-1", Kind: models.ChatKindMessage, Body: "retry", CreatedAt: scenarioEpoch}
	if err := worker.persist(context.Background(), chat.Event{Type: chat.EventTypeMessage, Message: msg}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got := repo.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if messages, _ := base.ListChatMessages(context.Background(), "s-1", 0); len(messages) != 1 {
		t.Fatalf("expected message persisted after retries, got %+v", messages)
	}
}

func TestChatWorkerDoesNotRetryInvalidEvents(t *testing.T) {
	base, _, err := jsonRepositoryFactory(t)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	repo := &flakyChatRepository{Repository: base}
	worker := NewChatWorker(repo, chat.NewMemoryQueue(1), logging.Discard())

	err = worker.persist(context.Background(), chat.Event{Type: chat.EventTypeMessage, Message: &models.ChatMessage{ID: "m-1"}})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if got := repo.calls.Load(); got != 0 {
		t.Fatalf("invalid event should never reach the repository, got %d calls", got)
	}
}
