package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/paypulse/pkg/circuitbreaker"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

const (
	ModePubSub = "pubsub"
	ModeStream = "stream"
)

// ErrNoSubscribers means a pubsub message was dropped because nobody listened.
var ErrNoSubscribers = errors.New("no subscribers received the message")

type RedisBroker struct {
	client *goredis.Client
	cb     *circuitbreaker.CircuitBreaker
	mode   string
	maxLen int64
	logger *logger.Logger
}

type Config struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
	// Mode is stream (XADD, retained for late consumers) or pubsub. A pubsub
	// publish that reaches no subscriber counts as failed.
	Mode         string
	StreamMaxLen int64
}

func NewRedisBroker(ctx context.Context, config Config, log *logger.Logger) (*RedisBroker, error) {
	client, err := NewClient(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, config, log), nil
}

// NewClient opens a pooled client from config and checks it with a PING. The
// idempotency store and the relay lease share this setup.
func NewClient(ctx context.Context, config Config) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pooling
	opts.MaxRetries = config.MaxRetries
	opts.MinRetryBackoff = config.RetryBackoff
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	client := goredis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewWithClient wraps an existing client. The broker takes ownership of it.
func NewWithClient(client *goredis.Client, config Config, log *logger.Logger) *RedisBroker {
	if log == nil {
		log = logger.Nop()
	}
	mode := config.Mode
	if mode == "" {
		mode = ModeStream
	}

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                "redis-broker",
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             5 * time.Second,
		ConsecutiveFailures: 5,
	}, log)

	return &RedisBroker{
		client: client,
		cb:     cb,
		mode:   mode,
		maxLen: config.StreamMaxLen,
		logger: log,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	err := b.cb.Execute(func() error {
		if b.mode == ModeStream {
			return b.client.XAdd(ctx, &goredis.XAddArgs{
				Stream: topic,
				MaxLen: b.maxLen,
				Approx: b.maxLen > 0,
				Values: map[string]interface{}{"payload": payload},
			}).Err()
		}
		receivers, err := b.client.Publish(ctx, topic, payload).Result()
		if err != nil {
			return err
		}
		if receivers == 0 {
			return ErrNoSubscribers
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
