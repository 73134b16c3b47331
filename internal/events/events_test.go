package events

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
	"rivercast/internal/redisconn"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMemoryBusFiltersTopics(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()
	ctx := context.Background()

	alerts, err := bus.Subscribe(ctx, TopicGiftSent, TopicDonationCompleted)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	all, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := bus.Publish(ctx, Event{Topic: TopicStreamStarted, SessionID: "s1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, Event{Topic: TopicGiftSent, SessionID: "s1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if ev := receive(t, alerts); ev.Topic != TopicGiftSent {
		t.Fatalf("expected gift event, got %s", ev.Topic)
	}
	if ev := receive(t, all); ev.Topic != TopicStreamStarted {
		t.Fatalf("expected stream.started first, got %s", ev.Topic)
	}
	if err := bus.Publish(ctx, Event{}); err == nil {
		t.Fatal("expected error for missing topic")
	}
}

func TestMemoryBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()
	sub, _ := bus.Subscribe(context.Background())
	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), Event{Topic: TopicViewerJoined}); err != nil {
			t.Fatalf("Publish should not block or fail: %v", err)
		}
	}
	if got := len(sub.Events()); got != 1 {
		t.Fatalf("expected one buffered event, got %d", got)
	}
}

type failingPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (p *failingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("bus unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func TestNotifierDrainsOnClose(t *testing.T) {
	pub := &failingPublisher{}
	n := NewNotifier(pub, NotifierConfig{Logger: logging.Discard(), Metrics: metrics.New()})
	for i := 0; i < 10; i++ {
		n.Emit(TopicViewerJoined, "s1", map[string]string{"viewerId": "v"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 10 {
		t.Fatalf("expected 10 published events, got %d", len(pub.events))
	}
	if pub.events[0].ID == "" || pub.events[0].OccurredAt.IsZero() {
		t.Fatalf("expected envelope fields to be filled: %+v", pub.events[0])
	}
	n.Emit(TopicViewerLeft, "s1", nil)
}

func TestNotifierSwallowsPublishFailures(t *testing.T) {
	pub := &failingPublisher{fail: true}
	rec := metrics.New()
	n := NewNotifier(pub, NotifierConfig{Logger: logging.Discard(), Metrics: rec})
	n.Emit(TopicStreamFailed, "s1", nil)
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	families, err := rec.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if strings.HasSuffix(mf.GetName(), "collaborator_failures_total") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected collaborator failure to be counted")
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("RIVERCAST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RIVERCAST_TEST_REDIS_ADDR not set")
	}
	client, err := redisconn.New(redisconn.Config{Addr: addr})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer client.Close()

	bus := NewRedisBus(client, RedisBusConfig{Prefix: "rivercast-test:" + time.Now().Format("150405.000"), Logger: logging.Discard()})
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, TopicDonationCompleted)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if err := bus.Publish(ctx, Event{Topic: TopicDonationCompleted, SessionID: "s1", Data: map[string]string{"amount": "5"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ev := receive(t, sub)
	if ev.SessionID != "s1" || ev.Data["amount"] != "5" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
