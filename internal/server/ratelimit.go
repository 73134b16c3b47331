package server

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request throughput. GlobalRPS caps the whole
// server; ClientLimit requests per ClientWindow cap each client address.
// Zero disables a limit.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	ClientLimit  int
	ClientWindow time.Duration
	// Redis shares client counters across replicas when set.
	Redis        redis.UniversalClient
	RedisPrefix  string
	RedisTimeout time.Duration
	// TrustForwardedHeaders honours X-Forwarded-For from any peer.
	TrustForwardedHeaders bool
	// TrustedProxies lists CIDRs whose forwarding headers are honoured.
	TrustedProxies []string
}

type rateLimiter struct {
	global *rate.Limiter

	clientLimit  int
	clientWindow time.Duration
	clientMu     sync.Mutex
	clients      map[string]*clientLimiter
	lastSweep    time.Time
	store        tokenStore
	storeTimeout time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		clientLimit:  cfg.ClientLimit,
		clientWindow: cfg.ClientWindow,
		clients:      make(map[string]*clientLimiter),
		storeTimeout: cfg.RedisTimeout,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.clientLimit < 0 {
		rl.clientLimit = 0
	}
	if rl.clientWindow <= 0 {
		rl.clientWindow = time.Minute
	}
	if rl.storeTimeout <= 0 {
		rl.storeTimeout = 2 * time.Second
	}
	if cfg.Redis != nil && rl.clientLimit > 0 {
		rl.store = newRedisStore(cfg.Redis, cfg.RedisPrefix)
	}
	return rl, nil
}

// AllowRequest applies the server-wide limit.
func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowClient applies the per-client limit to key.
func (r *rateLimiter) AllowClient(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.clientLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()
		return r.store.Allow(ctx, key, r.clientLimit, r.clientWindow)
	}

	now := time.Now()
	r.clientMu.Lock()
	entry, ok := r.clients[key]
	if !ok {
		every := r.clientWindow / time.Duration(r.clientLimit)
		entry = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), r.clientLimit)}
		r.clients[key] = entry
	}
	entry.lastSeen = now
	r.sweepLocked(now)
	r.clientMu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, r.clientWindow, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.clientWindow {
		return
	}
	r.lastSweep = now
	cutoff := now.Add(-2 * r.clientWindow)
	for key, entry := range r.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}
