package service

import (
	"context"
	"errors"
	"time"

	"github.com/tourbook/auth-service/internal/obs"
	"go.uber.org/zap"
)

type ExpiredTokenPurger interface {
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically deletes refresh tokens that are revoked and expired
// and blacklist entries past expiry. It only bounds table size.
type Sweeper struct {
	store    ExpiredTokenPurger
	interval time.Duration
	logger   *zap.Logger
	metrics  *obs.Metrics
	now      func() time.Time
}

func NewSweeper(store ExpiredTokenPurger, interval time.Duration, logger *zap.Logger, metrics *obs.Metrics) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	refresh, blacklist, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warn("expiry sweep failed", zap.Error(err))
		return
	}
	if refresh > 0 || blacklist > 0 {
		s.logger.Info("expiry sweep completed",
			zap.Int64("refresh_tokens_deleted", refresh),
			zap.Int64("blacklist_entries_deleted", blacklist))
	}
}

// SweepOnce runs both deletes. A failure in one table does not skip the other.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, int64, error) {
	started := time.Now()
	defer s.metrics.ObserveSweep(started)

	now := s.now()
	refresh, refreshErr := s.store.DeleteExpiredRefreshTokens(ctx, now)
	if refreshErr != nil {
		s.metrics.SweepError()
	}
	s.metrics.SweepDeleted("refresh_tokens", refresh)

	blacklist, blacklistErr := s.store.DeleteExpiredBlacklistEntries(ctx, now)
	if blacklistErr != nil {
		s.metrics.SweepError()
	}
	s.metrics.SweepDeleted("token_blacklist", blacklist)

	return refresh, blacklist, errors.Join(refreshErr, blacklistErr)
}
