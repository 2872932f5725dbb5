package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/paypulse/pkg/logger"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, logger.Nop()), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "outbox:cycle", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "outbox:cycle", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	unlock()

	unlock, ok, err = l.TryLock(ctx, "outbox:cycle", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestLeaseExpires(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "outbox:retention", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	unlock, ok, err := l.TryLock(ctx, "outbox:retention", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestLocksAreIndependentByName(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	_, ok, _ := l.TryLock(ctx, "a", time.Minute)
	require.True(t, ok)
	_, ok, _ = l.TryLock(ctx, "b", time.Minute)
	assert.True(t, ok)
	assert.True(t, mr.Exists(keyPrefix+"a"))
}
