package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps keys in process. Only suitable for a single replica.
type MemoryStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	ttl = defaultTTL(ttl)
	return &MemoryStore{cache: cache.New(ttl, ttl/2), ttl: ttl}
}

func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string) (*Record, error) {
	if err := s.cache.Add(key, pending(fingerprint), s.ttl); err == nil {
		return nil, nil
	}
	raw, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrInProgress
	}
	return decode(raw.([]byte), fingerprint)
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.cache.Set(key, data, s.ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}
