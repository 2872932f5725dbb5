package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisPrefix = "paypulse:idempotency:"

type RedisStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisStore(client *goredis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: defaultTTL(ttl)}
}

func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string) (*Record, error) {
	ok, err := s.client.SetNX(ctx, redisPrefix+key, pending(fingerprint), s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		// Expired between SETNX and GET; the caller may retry.
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return decode(raw, fingerprint)
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisPrefix+key).Err()
}
