package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewServiceWithClient(rdb, "auth:", time.Second, zap.NewNop()), mr
}

func TestRefreshKeyLifecycle(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetRefreshValid(ctx, "acc-1", "h1", time.Hour))
	require.NoError(t, svc.SetRefreshValid(ctx, "acc-1", "h2", time.Hour))

	val, err := mr.Get("auth:refresh:acc-1:h1")
	require.NoError(t, err)
	assert.Equal(t, "valid", val)
	assert.Equal(t, time.Hour, mr.TTL("auth:refresh:acc-1:h1"))

	require.NoError(t, svc.DeleteRefresh(ctx, "acc-1", "h1", "h2"))
	assert.False(t, mr.Exists("auth:refresh:acc-1:h1"))
	assert.False(t, mr.Exists("auth:refresh:acc-1:h2"))

	require.NoError(t, svc.DeleteRefresh(ctx, "acc-1"))
}

func TestBlacklistExpiresWithToken(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetBlacklisted(ctx, "h1", 30*time.Second))

	val, err := mr.Get("auth:blacklist:h1")
	require.NoError(t, err)
	assert.Equal(t, "blacklisted", val)

	ok, err := svc.IsBlacklisted(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = svc.IsBlacklisted(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetSkipsNonPositiveTTL(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetBlacklisted(ctx, "h1", 0))
	require.NoError(t, svc.SetRefreshValid(ctx, "acc-1", "h1", -time.Second))

	assert.Empty(t, mr.Keys())
}

func TestUnavailableRedisReturnsErrors(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()
	mr.Close()

	_, err := svc.IsBlacklisted(ctx, "h1")
	assert.Error(t, err)
	assert.Error(t, svc.SetRefreshValid(ctx, "acc-1", "h1", time.Hour))
	assert.Error(t, svc.Health(ctx))
}

func TestDisabledServiceIsNoop(t *testing.T) {
	svc := NewService(context.Background(), Config{Enabled: false, Prefix: "auth:"}, zap.NewNop())
	ctx := context.Background()

	assert.False(t, svc.Enabled())
	assert.Nil(t, svc.Redis())
	require.NoError(t, svc.SetBlacklisted(ctx, "h1", time.Minute))

	ok, err := svc.IsBlacklisted(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, svc.Health(ctx), ErrDisabled)
	assert.NoError(t, svc.Close())
}
