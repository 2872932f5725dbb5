package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"redis":  NewRedisStore(client, time.Hour),
		"memory": NewMemoryStore(time.Hour),
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := s.Begin(ctx, "k1", "fp")
			require.NoError(t, err)
			assert.Nil(t, rec)

			_, err = s.Begin(ctx, "k1", "fp")
			assert.ErrorIs(t, err, ErrInProgress)

			require.NoError(t, s.Complete(ctx, "k1", Record{
				Fingerprint: "fp",
				StatusCode:  201,
				Body:        []byte(`{"success":true}`),
			}))

			rec, err = s.Begin(ctx, "k1", "fp")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, 201, rec.StatusCode)
			assert.JSONEq(t, `{"success":true}`, string(rec.Body))

			_, err = s.Begin(ctx, "k1", "other")
			assert.ErrorIs(t, err, ErrKeyReused)
		})
	}
}

func TestReleaseFreesKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Begin(ctx, "k2", "fp")
			require.NoError(t, err)
			require.NoError(t, s.Release(ctx, "k2"))

			rec, err := s.Begin(ctx, "k2", "fp")
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestPendingKeyWithOtherBodyIsReuse(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Begin(ctx, "k3", "fp-a")
			require.NoError(t, err)

			_, err = s.Begin(ctx, "k3", "fp-b")
			assert.ErrorIs(t, err, ErrKeyReused)
		})
	}
}

func TestRedisKeyExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, time.Minute)
	ctx := context.Background()

	_, err := s.Begin(ctx, "k4", "fp")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	rec, err := s.Begin(ctx, "k4", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
