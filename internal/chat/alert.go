package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"rivercast/internal/errs"
	"rivercast/internal/events"
	"rivercast/internal/observability/logging"
)

// AlertRelay re-broadcasts gift and donation events from the event bus into
// the chat of the session they target.
type AlertRelay struct {
	hub    *Hub
	bus    events.Bus
	logger *slog.Logger

	sub  events.Subscription
	wg   sync.WaitGroup
	once sync.Once
}

func NewAlertRelay(hub *Hub, bus events.Bus, logger *slog.Logger) *AlertRelay {
	return &AlertRelay{
		hub:    hub,
		bus:    bus,
		logger: logging.WithComponent(logging.OrDefault(logger), "chat-alerts"),
	}
}

// Start subscribes to the alert topics and relays until Stop.
func (a *AlertRelay) Start(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, events.TopicGiftSent, events.TopicDonationCompleted)
	if err != nil {
		return fmt.Errorf("subscribe to alerts: %w", err)
	}
	a.sub = sub
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for event := range sub.Events() {
			a.relay(event)
		}
	}()
	return nil
}

func (a *AlertRelay) Stop() {
	a.once.Do(func() {
		if a.sub != nil {
			a.sub.Close()
		}
		a.wg.Wait()
	})
}

func (a *AlertRelay) relay(event events.Event) {
	if event.SessionID == "" {
		return
	}
	var kind string
	switch event.Topic {
	case events.TopicGiftSent:
		kind = "gift"
	case events.TopicDonationCompleted:
		kind = "donation"
	default:
		return
	}
	_, err := a.hub.System(event.SessionID, kind, alertBody(kind, event.Data), event.Data)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidState) {
			a.logger.Debug("alert for session without chat", "session_id", event.SessionID, "topic", event.Topic)
			return
		}
		a.logger.Warn("failed to relay alert", "session_id", event.SessionID, "topic", event.Topic, "error", err)
	}
}

func alertBody(kind string, data map[string]string) string {
	from := strings.TrimSpace(data["from"])
	if from == "" {
		from = "Someone"
	}
	switch kind {
	case "gift":
		item := strings.TrimSpace(data["item"])
		if item == "" {
			item = "a gift"
		}
		return fmt.Sprintf("%s sent %s", from, item)
	default:
		amount := strings.TrimSpace(data["amount"])
		if amount == "" {
			return fmt.Sprintf("%s donated", from)
		}
		if currency := strings.TrimSpace(data["currency"]); currency != "" {
			amount += " " + currency
		}
		return fmt.Sprintf("%s donated %s", from, amount)
	}
}
