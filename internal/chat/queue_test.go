package chat

import (
	"context"
	"testing"
)

func TestMemoryQueueFansOutToEveryConsumer(t *testing.T) {
	q := NewMemoryQueue(4)
	a, b := q.Subscribe(), q.Subscribe()
	defer a.Close()
	defer b.Close()

	if err := q.Publish(context.Background(), chatLine("m-1", "hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, sub := range []Subscription{a, b} {
		awaitMessage(t, sub, "m-1")
	}
}

func TestMemoryQueueSlowConsumerMissesEvents(t *testing.T) {
	q := NewMemoryQueue(1)
	sub := q.Subscribe()
	defer sub.Close()

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		if err := q.Publish(context.Background(), chatLine(id, id)); err != nil {
			t.Fatalf("Publish %s: %v", id, err)
		}
	}
	awaitMessage(t, sub, "m-1")
	if missed := sub.(*memoryConsumer).Missed(); missed != 2 {
		t.Fatalf("Missed() = %d, want 2", missed)
	}
}

func TestMemoryQueueCloseDetachesConsumer(t *testing.T) {
	q := NewMemoryQueue(2)
	sub := q.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("closed subscription still yields events")
	}
	if err := q.Publish(context.Background(), chatLine("m-1", "after close")); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
	if n := len(q.(*memoryQueue).consumers); n != 0 {
		t.Fatalf("%d consumers still attached", n)
	}
}

func TestMemoryQueueRejectsUntypedEvents(t *testing.T) {
	if err := NewMemoryQueue(1).Publish(context.Background(), Event{}); err != errMissingEventType {
		t.Fatalf("Publish untyped = %v, want errMissingEventType", err)
	}
}
