package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// SenderLimiter decides whether a sender may post another message in a
// session.
type SenderLimiter interface {
	Allow(ctx context.Context, sessionID, senderID string) (bool, error)
}

// NewMemoryLimiter allows one message per interval for each sender of each
// session.
func NewMemoryLimiter(interval time.Duration) SenderLimiter {
	if interval <= 0 {
		return allowAll{}
	}
	return &memoryLimiter{interval: interval, limiters: make(map[string]*senderLimiter)}
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string, string) (bool, error) { return true, nil }

type memoryLimiter struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*senderLimiter
	sweeps   int
}

type senderLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (m *memoryLimiter) Allow(_ context.Context, sessionID, senderID string) (bool, error) {
	key := sessionID + "\x00" + senderID
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.limiters[key]
	if !ok {
		entry = &senderLimiter{limiter: rate.NewLimiter(rate.Every(m.interval), 1)}
		m.limiters[key] = entry
	}
	entry.lastSeen = now
	m.sweeps++
	if m.sweeps >= 1024 {
		m.sweeps = 0
		m.cleanupLocked(now)
	}
	return entry.limiter.AllowN(now, 1), nil
}

// cleanupLocked forgets senders idle long enough for their bucket to be
// full again.
func (m *memoryLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * m.interval)
	for key, entry := range m.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(m.limiters, key)
		}
	}
}

// RedisSenderStore shares sender counters across processes with a fixed
// window INCR/EXPIRE counter per sender.
type RedisSenderStore struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisSenderStore allows limit messages per window for each sender. The
// window is rounded up to whole seconds.
func NewRedisSenderStore(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisSenderStore {
	if prefix == "" {
		prefix = "rivercast:chat:rate"
	}
	if limit <= 0 {
		limit = 1
	}
	if window < time.Second {
		window = time.Second
	}
	window = window.Round(time.Second)
	return &RedisSenderStore{client: client, prefix: prefix, limit: int64(limit), window: window}
}

func (s *RedisSenderStore) Allow(ctx context.Context, sessionID, senderID string) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s", s.prefix, sessionID, senderID)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate counter: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, s.window).Err(); err != nil {
			return false, fmt.Errorf("rate counter expiry: %w", err)
		}
	}
	return count <= s.limit, nil
}
