package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"rivercast/internal/observability/logging"
)

// RedisBusConfig configures the pub/sub bus.
type RedisBusConfig struct {
	// Prefix namespaces channels: an event on topic t is published to
	// "<prefix>:<t>".
	Prefix string
	Buffer int
	Logger *slog.Logger
}

// NewRedisBus publishes events over Redis pub/sub so that every process of
// a deployment observes them. The client is owned by the caller.
func NewRedisBus(client redis.UniversalClient, cfg RedisBusConfig) Bus {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = "rivercast:events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &redisBus{
		client: client,
		prefix: prefix,
		buffer: cfg.Buffer,
		logger: logging.WithComponent(logging.OrDefault(cfg.Logger), "events"),
	}
}

type redisBus struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *slog.Logger
}

func (b *redisBus) channel(topic Topic) string {
	return b.prefix + ":" + string(topic)
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return errTopicRequired
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.Topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Topic, err)
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, topics ...Topic) (Subscription, error) {
	var pubsub *redis.PubSub
	if len(topics) == 0 {
		pubsub = b.client.PSubscribe(ctx, b.prefix+":*")
	} else {
		channels := make([]string, 0, len(topics))
		for _, t := range topics {
			channels = append(channels, b.channel(t))
		}
		pubsub = b.client.Subscribe(ctx, channels...)
	}
	// Receive waits for the subscription confirmation so that events
	// published after Subscribe returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, ch: make(chan Event, b.buffer), done: make(chan struct{})}
	go sub.run(subCtx, b.logger)
	return sub, nil
}

func (b *redisBus) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	ch     chan Event
	done   chan struct{}
}

func (s *redisSubscription) run(ctx context.Context, logger *slog.Logger) {
	defer close(s.done)
	defer close(s.ch)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("discarding malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case s.ch <- event:
			case <-ctx.Done():
				return
			default:
				logger.Warn("event subscriber is lagging, dropping event", "topic", event.Topic)
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.cancel()
	_ = s.pubsub.Close()
	<-s.done
}
