package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/paypulse/pkg/logger"
)

const keyPrefix = "paypulse:lock:"

// RedisLocker hands out short redsync leases. It is used to keep a single
// relay replica per cycle.
type RedisLocker struct {
	rs     *redsync.Redsync
	logger *logger.Logger
}

func NewRedisLocker(client *goredis.Client, log *logger.Logger) *RedisLocker {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisLocker{
		rs:     redsync.New(redsyncredis.NewPool(client)),
		logger: log,
	}
}

// TryLock attempts the lease once. ok is false when another holder has it.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	mutex := l.rs.NewMutex(keyPrefix+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", name, err)
	}

	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(releaseCtx); !ok || err != nil {
			l.logger.Warn("Failed to release lock", "lock", name, "expired", !ok, "error", fmt.Sprint(err))
		}
	}
	return unlock, true, nil
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
