package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInProgress means another request with the same key has not finished.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused means the key was first used with a different request body.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
)

// Record is the stored response replayed for a repeated key.
type Record struct {
	Fingerprint string          `json:"fingerprint"`
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
}

// Store remembers request outcomes by client-supplied key.
//
// Begin claims the key. It returns (nil, nil) for a fresh key, the stored
// Record for a completed one, or ErrInProgress/ErrKeyReused.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string) (*Record, error)
	Complete(ctx context.Context, key string, rec Record) error
	Release(ctx context.Context, key string) error
}

const pendingMarker = "pending"

// claimed is what Begin stores while the first request is running.
type claimed struct {
	State       string `json:"state"`
	Fingerprint string `json:"fingerprint"`
}

func decode(raw []byte, fingerprint string) (*Record, error) {
	var probe claimed
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	if probe.State == pendingMarker {
		if probe.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		return nil, ErrInProgress
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return &rec, nil
}

func pending(fingerprint string) []byte {
	data, _ := json.Marshal(claimed{State: pendingMarker, Fingerprint: fingerprint})
	return data
}

func defaultTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 24 * time.Hour
	}
	return ttl
}
