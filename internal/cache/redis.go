// Package cache is the fast-path mirror of refresh-token validity and the
// access-token blacklist. Every entry carries a TTL equal to the remaining
// validity of the token it describes, so stale entries expire on their own.
// The credential store stays authoritative; callers treat any error here as
// a cache miss.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tourbook/auth-service/internal/obs"
	"go.uber.org/zap"
)

const (
	refreshValue   = "valid"
	blacklistValue = "blacklisted"
)

var ErrDisabled = errors.New("cache disabled")

type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OpTimeout    time.Duration
	Prefix       string
	Enabled      bool
}

// clientInterface abstracts the Redis operations the service uses.
type clientInterface interface {
	set(ctx context.Context, key, value string, ttl time.Duration) error
	exists(ctx context.Context, key string) (bool, error)
	del(ctx context.Context, keys ...string) error
	ping(ctx context.Context) error
	close() error
}

type Service struct {
	client    clientInterface
	rdb       redis.UniversalClient
	logger    *zap.Logger
	prefix    string
	opTimeout time.Duration
}

// NewService dials Redis when enabled. An unreachable server at startup is
// logged and tolerated: go-redis reconnects lazily and every operation
// degrades to a miss until it does.
func NewService(ctx context.Context, cfg Config, logger *zap.Logger) *Service {
	if !cfg.Enabled {
		logger.Info("redis cache disabled")
		return &Service{
			client: noOpClient{},
			logger: logger,
			prefix: cfg.Prefix,
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		logger.Warn("redis unreachable, continuing with store fallback",
			zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		logger.Info("connected to redis cache", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	}

	return NewServiceWithClient(rdb, cfg.Prefix, cfg.OpTimeout, logger)
}

func NewServiceWithClient(rdb redis.UniversalClient, prefix string, opTimeout time.Duration, logger *zap.Logger) *Service {
	return &Service{
		client:    &redisClientWrapper{client: rdb},
		rdb:       rdb,
		logger:    logger,
		prefix:    prefix,
		opTimeout: opTimeout,
	}
}

// Redis exposes the underlying client for components sharing the connection,
// such as the login rate limiter. It is nil when the cache is disabled.
func (s *Service) Redis() redis.UniversalClient {
	return s.rdb
}

func (s *Service) Enabled() bool {
	return s.rdb != nil
}

func RefreshKey(accountID, tokenHash string) string {
	return "refresh:" + accountID + ":" + tokenHash
}

func BlacklistKey(tokenHash string) string {
	return "blacklist:" + tokenHash
}

func (s *Service) buildKey(key string) string {
	return s.prefix + key
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// SetRefreshValid records that the refresh token is live for ttl.
func (s *Service) SetRefreshValid(ctx context.Context, accountID, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.set(ctx, s.buildKey(RefreshKey(accountID, tokenHash)), refreshValue, ttl); err != nil {
		s.logger.Warn("cache set refresh failed",
			zap.String("account_id", accountID), zap.String("hash", obs.HashPrefix(tokenHash)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) DeleteRefresh(ctx context.Context, accountID string, tokenHashes ...string) error {
	if len(tokenHashes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tokenHashes))
	for _, h := range tokenHashes {
		keys = append(keys, s.buildKey(RefreshKey(accountID, h)))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.del(ctx, keys...); err != nil {
		s.logger.Warn("cache delete refresh failed",
			zap.String("account_id", accountID), zap.Int("keys", len(keys)), zap.Error(err))
		return err
	}
	return nil
}

// SetBlacklisted marks an access token hash as revoked for ttl. Non-positive
// TTLs are skipped because the token has already expired.
func (s *Service) SetBlacklisted(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.set(ctx, s.buildKey(BlacklistKey(tokenHash)), blacklistValue, ttl); err != nil {
		s.logger.Warn("cache set blacklist failed", zap.String("hash", obs.HashPrefix(tokenHash)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.exists(ctx, s.buildKey(BlacklistKey(tokenHash)))
	if err != nil {
		s.logger.Warn("cache blacklist lookup failed", zap.String("hash", obs.HashPrefix(tokenHash)), zap.Error(err))
		return false, err
	}
	return ok, nil
}

// Health returns ErrDisabled when no Redis is configured.
func (s *Service) Health(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.ping(ctx)
}

func (s *Service) Close() error {
	return s.client.close()
}

type redisClientWrapper struct {
	client redis.UniversalClient
}

func (r *redisClientWrapper) set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisClientWrapper) exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisClientWrapper) del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisClientWrapper) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisClientWrapper) close() error {
	return r.client.Close()
}

type noOpClient struct{}

func (noOpClient) set(context.Context, string, string, time.Duration) error { return nil }
func (noOpClient) exists(context.Context, string) (bool, error)             { return false, nil }
func (noOpClient) del(context.Context, ...string) error                     { return nil }
func (noOpClient) ping(context.Context) error                               { return nil }
func (noOpClient) close() error                                             { return nil }
