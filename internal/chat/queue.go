package chat

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

// Queue carries accepted chat events from the hub to the persistence worker.
// Publish is called from the hub's persist loop, never from a room writer.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription is one consumer of a Queue.
type Subscription interface {
	Events() <-chan Event
	Close()
}

var errMissingEventType = errors.New("chat event type is required")

// NewMemoryQueue returns a Queue for single-process deployments. Each
// consumer gets its own buffer of the given size; a consumer that falls
// behind misses events rather than delaying the others.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{buffer: buffer}
}

type memoryQueue struct {
	buffer int

	mu        sync.RWMutex
	consumers []*memoryConsumer
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errMissingEventType
	}
	q.mu.RLock()
	consumers := q.consumers
	defer q.mu.RUnlock()
	for _, c := range consumers {
		if err := c.offer(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	c := &memoryConsumer{queue: q, ch: make(chan Event, q.buffer)}
	q.mu.Lock()
	q.consumers = append(slices.Clip(q.consumers), c)
	q.mu.Unlock()
	return c
}

func (q *memoryQueue) remove(c *memoryConsumer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumers = slices.DeleteFunc(slices.Clone(q.consumers), func(other *memoryConsumer) bool {
		return other == c
	})
}

type memoryConsumer struct {
	queue   *memoryQueue
	ch      chan Event
	missed  atomic.Int64
	closing sync.Once
}

// offer runs with the queue's read lock held, so Close cannot close ch
// underneath it.
func (c *memoryConsumer) offer(ctx context.Context, event Event) error {
	select {
	case c.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.missed.Add(1)
		return nil
	}
}

func (c *memoryConsumer) Events() <-chan Event {
	return c.ch
}

// Missed reports how many events were skipped because the buffer was full.
func (c *memoryConsumer) Missed() int64 {
	return c.missed.Load()
}

func (c *memoryConsumer) Close() {
	c.closing.Do(func() {
		c.queue.remove(c)
		close(c.ch)
	})
}
