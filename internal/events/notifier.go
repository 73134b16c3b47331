package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
)

const (
	defaultNotifierBuffer  = 256
	defaultPublishTimeout  = 2 * time.Second
	collaboratorEventBusID = "event_bus"
)

// Notifier emits events without blocking the caller. Events are queued and
// published by a background worker; when the queue is full or the bus
// rejects an event it is logged and counted, never surfaced to the caller.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	timeout   time.Duration
	now       func() time.Time

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NotifierConfig tunes a Notifier.
type NotifierConfig struct {
	Buffer         int
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// NewNotifier starts the background publisher.
func NewNotifier(publisher Publisher, cfg NotifierConfig) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultNotifierBuffer
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	n := &Notifier{
		publisher: publisher,
		logger:    logging.WithComponent(logging.OrDefault(cfg.Logger), "notifier"),
		metrics:   rec,
		timeout:   cfg.PublishTimeout,
		now:       time.Now,
		queue:     make(chan Event, cfg.Buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// Emit queues an event for topic.
func (n *Notifier) Emit(topic Topic, sessionID string, data map[string]string) {
	if n == nil {
		return
	}
	event := Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		SessionID:  sessionID,
		Data:       data,
		OccurredAt: n.now().UTC(),
	}
	select {
	case <-n.stop:
		return
	default:
	}
	select {
	case n.queue <- event:
	default:
		n.metrics.CollaboratorFailure(collaboratorEventBusID)
		n.logger.Warn("event queue full, dropping event", "topic", topic, "session_id", sessionID)
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case event := <-n.queue:
			n.publish(event)
		case <-n.stop:
			for {
				select {
				case event := <-n.queue:
					n.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.publisher.Publish(ctx, event); err != nil {
		n.metrics.CollaboratorFailure(collaboratorEventBusID)
		n.logger.Warn("event publish failed", "topic", event.Topic, "session_id", event.SessionID, "error", err)
	}
}

// Close publishes queued events and stops the worker. It waits at most until
// ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.once.Do(func() { close(n.stop) })
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
