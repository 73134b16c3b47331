// Package events carries cross-feature notifications. Delivery is
// at-least-once with no ordering guarantee; nothing in the live path depends
// on an event arriving.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Topic names an event stream.
type Topic string

const (
	TopicStreamCreated     Topic = "stream.created"
	TopicStreamStarted     Topic = "stream.started"
	TopicStreamEnded       Topic = "stream.ended"
	TopicStreamFailed      Topic = "stream.failed"
	TopicViewerJoined      Topic = "viewer.joined"
	TopicViewerLeft        Topic = "viewer.left"
	TopicGiftSent          Topic = "gift.sent"
	TopicDonationCompleted Topic = "donation.completed"
)

// Event is the envelope published on the bus.
type Event struct {
	ID         string            `json:"id"`
	Topic      Topic             `json:"topic"`
	SessionID  string            `json:"sessionId,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Publisher sends events to the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a Publisher that can also be subscribed to.
type Bus interface {
	Publisher
	// Subscribe returns a stream of events on the given topics, or on every
	// topic when none is given.
	Subscribe(ctx context.Context, topics ...Topic) (Subscription, error)
	Close() error
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

var errTopicRequired = errors.New("event topic is required")

// NewMemoryBus initialises an in-process bus for single-node deployments and
// tests. Slow subscribers lose events rather than blocking publishers.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryBus{subs: make(map[*memorySubscription]struct{}), buffer: buffer}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return errTopicRequired
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("event bus closed")
	}
	for sub := range b.subs {
		if !sub.wants(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(_ context.Context, topics ...Topic) (Subscription, error) {
	sub := &memorySubscription{bus: b, ch: make(chan Event, b.buffer), topics: topicSet(topics)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("event bus closed")
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once   sync.Once
	bus    *memoryBus
	ch     chan Event
	topics map[Topic]struct{}
}

func (s *memorySubscription) wants(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func topicSet(topics []Topic) map[Topic]struct{} {
	if len(topics) == 0 {
		return nil
	}
	set := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return set
}
