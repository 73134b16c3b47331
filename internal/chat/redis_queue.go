package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"rivercast/internal/observability/logging"
)

const (
	defaultChatStream   = "rivercast:chat"
	defaultChatGroup    = "chat-writers"
	redisReadBatch      = 32
	redisRetryDelay     = 200 * time.Millisecond
	redisPayloadField   = "payload"
	redisControlTimeout = time.Second
)

// RedisQueueConfig configures the Redis Streams persistence queue.
type RedisQueueConfig struct {
	Stream       string
	Group        string
	Logger       *slog.Logger
	BlockTimeout time.Duration
	Buffer       int
	// MaxLen caps the stream length with approximate trimming. Zero keeps
	// every entry.
	MaxLen int64
}

func (c RedisQueueConfig) withDefaults() RedisQueueConfig {
	c.Stream = strings.TrimSpace(c.Stream)
	if c.Stream == "" {
		c.Stream = defaultChatStream
	}
	c.Group = strings.TrimSpace(c.Group)
	if c.Group == "" {
		c.Group = defaultChatGroup
	}
	if c.Buffer <= 0 {
		c.Buffer = 128
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	return c
}

// NewRedisQueue returns a Queue on a Redis stream. Every rivercast process
// reads through the same consumer group, so each event is persisted by
// exactly one of them. The caller owns client.
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (Queue, error) {
	if client == nil {
		return nil, errors.New("chat: redis queue needs a client")
	}
	cfg = cfg.withDefaults()
	q := &redisQueue{
		client: client,
		cfg:    cfg,
		logger: logging.WithComponent(logging.OrDefault(cfg.Logger), "chat_queue"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.createGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

type redisQueue struct {
	client redis.UniversalClient
	cfg    RedisQueueConfig
	logger *slog.Logger
}

func (q *redisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errMissingEventType
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode chat event: %w", err)
	}
	return q.append(ctx, string(payload))
}

func (q *redisQueue) append(ctx context.Context, payload string) error {
	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{redisPayloadField: payload},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen, args.Approx = q.cfg.MaxLen, true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", q.cfg.Stream, err)
	}
	return nil
}

// createGroup is idempotent: an existing group is not an error.
func (q *redisQueue) createGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err()
	if err == nil || strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("create consumer group %s: %w", q.cfg.Group, err)
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	r := &streamReader{
		q:      q,
		name:   "rivercast-" + uuid.NewString(),
		out:    make(chan Event, q.cfg.Buffer),
		cancel: cancel,
	}
	go r.loop(ctx)
	return r
}

// streamReader is one consumer in the group. Events it has read but not yet
// handed to the subscriber are pushed back onto the stream when it stops.
type streamReader struct {
	q      *redisQueue
	name   string
	out    chan Event
	cancel context.CancelFunc
}

func (r *streamReader) Events() <-chan Event {
	return r.out
}

// Close stops reading. Events already buffered stay readable until the
// channel closes.
func (r *streamReader) Close() {
	r.cancel()
}

func (r *streamReader) loop(ctx context.Context) {
	defer close(r.out)
	for ctx.Err() == nil {
		batch, err := r.read(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			r.q.logger.Warn("chat stream read failed", "consumer", r.name, "error", err)
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				if gerr := r.q.createGroup(ctx); gerr != nil {
					r.q.logger.Warn("recreate consumer group failed", "error", gerr)
				}
			}
			pause(ctx, redisRetryDelay)
			continue
		}
		if !r.deliver(ctx, batch) {
			return
		}
	}
}

func (r *streamReader) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := r.q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.q.cfg.Group,
		Consumer: r.name,
		Streams:  []string{r.q.cfg.Stream, ">"},
		Count:    redisReadBatch,
		Block:    r.q.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}
	var batch []redis.XMessage
	for _, s := range streams {
		batch = append(batch, s.Messages...)
	}
	return batch, nil
}

// deliver forwards batch to the subscriber and reports whether the reader
// should keep going.
func (r *streamReader) deliver(ctx context.Context, batch []redis.XMessage) bool {
	for i, msg := range batch {
		payload, _ := msg.Values[redisPayloadField].(string)
		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			r.q.logger.Error("discarding undecodable chat entry", "id", msg.ID, "error", err)
			r.ack(msg.ID)
			continue
		}
		select {
		case r.out <- event:
			r.ack(msg.ID)
		case <-ctx.Done():
			r.handBack(batch[i:])
			return false
		}
	}
	return true
}

func (r *streamReader) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisControlTimeout)
	defer cancel()
	if err := r.q.client.XAck(ctx, r.q.cfg.Stream, r.q.cfg.Group, id).Err(); err != nil {
		r.q.logger.Warn("chat stream ack failed", "id", id, "error", err)
	}
}

// handBack re-appends undelivered entries so another consumer picks them up.
func (r *streamReader) handBack(pending []redis.XMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), redisControlTimeout)
	defer cancel()
	for _, msg := range pending {
		r.ack(msg.ID)
		payload, _ := msg.Values[redisPayloadField].(string)
		if payload == "" {
			continue
		}
		if err := r.q.append(ctx, payload); err != nil {
			r.q.logger.Warn("chat stream hand back failed", "id", msg.ID, "error", err)
		}
	}
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
