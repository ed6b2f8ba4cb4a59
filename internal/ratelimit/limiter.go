// Package ratelimit implements the fixed-window login throttle. Counters live
// in Redis so they survive restarts; when Redis cannot be reached the limiter
// keeps counting in process memory rather than blocking logins.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrRedisUnavailable = errors.New("redis unavailable")
)

type Config struct {
	Window      time.Duration
	MaxRequests int
	Prefix      string
}

type Limiter struct {
	redis  redis.UniversalClient
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

// New returns a limiter. rdb may be nil, in which case only the in-memory
// counter is used.
func New(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Limiter {
	return &Limiter{
		redis:  rdb,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]*window),
	}
}

// Allow counts one attempt for key. Over the limit it returns ErrRateLimited
// together with the time until the window resets.
func (l *Limiter) Allow(ctx context.Context, key string) (time.Duration, error) {
	if l.redis != nil {
		retryAfter, err := l.allowRedis(ctx, key)
		if !errors.Is(err, ErrRedisUnavailable) {
			return retryAfter, err
		}
		l.logger.Warn("rate limiter falling back to memory", zap.Error(err))
	}
	return l.allowLocal(key)
}

func (l *Limiter) allowRedis(ctx context.Context, key string) (time.Duration, error) {
	rkey := l.cfg.Prefix + "ratelimit:" + key

	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	if _, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, rkey)
		pttl = pipe.PTTL(ctx, rkey)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// No expiry means the counter is new or lost its PEXPIRE; either way it
	// gets a fresh window.
	ttl := pttl.Val()
	if ttl <= 0 {
		if err := l.redis.PExpire(ctx, rkey, l.cfg.Window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		ttl = l.cfg.Window
	}

	if incr.Val() <= int64(l.cfg.MaxRequests) {
		return 0, nil
	}
	return ttl, ErrRateLimited
}

func (l *Limiter) allowLocal(key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.local[key]
	if !ok || !now.Before(w.resetAt) {
		l.prune(now)
		w = &window{resetAt: now.Add(l.cfg.Window)}
		l.local[key] = w
	}
	w.count++

	if w.count <= l.cfg.MaxRequests {
		return 0, nil
	}
	return w.resetAt.Sub(now), ErrRateLimited
}

func (l *Limiter) prune(now time.Time) {
	for k, w := range l.local {
		if !now.Before(w.resetAt) {
			delete(l.local, k)
		}
	}
}
