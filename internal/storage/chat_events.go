package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
	"rivercast/internal/observability/logging"
)

func checkChatEvent(evt chat.Event) error {
	switch evt.Type {
	case chat.EventTypeMessage:
		if evt.Message == nil || evt.Message.ID == "" || evt.Message.SessionID == "" {
			return fmt.Errorf("%w: message event without message or session id", errs.ErrInvalidArgument)
		}
	case chat.EventTypeModeration:
		if evt.Moderation == nil || evt.Moderation.SessionID == "" {
			return fmt.Errorf("%w: moderation event without session id", errs.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: chat event type %q is not persisted", errs.ErrInvalidArgument, evt.Type)
	}
	return nil
}

// ApplyChatEvent writes a queued chat event to repo. Deleting a message also
// records the moderation action that retracted it. Malformed events fail with
// errs.ErrInvalidArgument.
func ApplyChatEvent(ctx context.Context, repo Repository, evt chat.Event) error {
	if err := checkChatEvent(evt); err != nil {
		return err
	}
	if evt.Type == chat.EventTypeMessage {
		return repo.AppendChatMessage(ctx, *evt.Message)
	}

	at := evt.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	mod := *evt.Moderation
	if err := repo.RecordModeration(ctx, mod, at); err != nil {
		return err
	}
	if mod.Action != chat.ModerationActionDeleteMessage || mod.MessageID == "" {
		return nil
	}
	return repo.DeleteChatMessage(ctx, mod.SessionID, mod.MessageID, at)
}

const (
	chatApplyAttempts = 3
	chatRetryBackoff  = 100 * time.Millisecond
)

// ChatWorker drains a chat.Queue into the Repository. A failed write is
// retried a few times before the event is logged and skipped.
type ChatWorker struct {
	queue   chat.Queue
	store   Repository
	logger  *slog.Logger
	timeout time.Duration
	backoff time.Duration
}

// NewChatWorker returns a worker persisting events from queue into store.
func NewChatWorker(store Repository, queue chat.Queue, logger *slog.Logger) *ChatWorker {
	return &ChatWorker{
		queue:   queue,
		store:   store,
		logger:  logging.WithComponent(logging.OrDefault(logger), "chat_worker"),
		timeout: defaultWriterTimeout,
		backoff: chatRetryBackoff,
	}
}

// Run consumes until ctx is cancelled or the subscription closes.
func (w *ChatWorker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	events := sub.Events()
	for {
		var (
			evt chat.Event
			ok  bool
		)
		select {
		case <-ctx.Done():
			return
		case evt, ok = <-events:
		}
		if !ok {
			return
		}
		if err := w.persist(ctx, evt); err != nil && ctx.Err() == nil {
			w.logger.Error("dropping chat event", "type", evt.Type, "session_id", eventSessionID(evt), "error", err)
		}
	}
}

func (w *ChatWorker) persist(ctx context.Context, evt chat.Event) error {
	var err error
	for attempt := 1; attempt <= chatApplyAttempts; attempt++ {
		applyCtx, cancel := context.WithTimeout(ctx, w.timeout)
		err = ApplyChatEvent(applyCtx, w.store, evt)
		cancel()
		if err == nil || errors.Is(err, errs.ErrInvalidArgument) || attempt == chatApplyAttempts {
			return err
		}
		w.logger.Warn("chat event write failed, retrying", "type", evt.Type, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoff * time.Duration(attempt)):
		}
	}
	return err
}

func eventSessionID(evt chat.Event) string {
	switch {
	case evt.Message != nil:
		return evt.Message.SessionID
	case evt.Moderation != nil:
		return evt.Moderation.SessionID
	}
	return ""
}
