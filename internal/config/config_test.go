package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "s3cret")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Outbox.DispatchInterval)
	assert.Equal(t, 30*time.Second, cfg.Outbox.RetryInterval)
	assert.Equal(t, 7, cfg.Outbox.RetentionDays)
	assert.Equal(t, "0 2 * * *", cfg.Outbox.RetentionSchedule)
	assert.Equal(t, 3, cfg.Saga.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Saga.RetryDelay)
	assert.Equal(t, 5*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, "redis", cfg.Broker.Driver)
	assert.Equal(t, "stream", cfg.Redis.Mode)
	assert.Equal(t, "stream", cfg.ToBrokerConfig().Redis.Mode)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, "paypulse-transfer", cfg.JWT.ServiceSubject)
	assert.Equal(t, 68*time.Second, cfg.SagaBudget())
	assert.GreaterOrEqual(t, cfg.Server.WriteTimeout, cfg.SagaBudget())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
jwt:
  secret: from-file
outbox:
  batch_size: 50
  dispatch_interval: 2s
broker:
  driver: rabbitmq
`), 0o600))

	t.Setenv("CONFIG_FILE", file)
	t.Setenv("OUTBOX_MAX_RETRIES", "7")
	t.Setenv("SAGA_RETRY_DELAY", "250ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.JWT.Secret)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Outbox.DispatchInterval)
	assert.Equal(t, 7, cfg.Outbox.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Saga.RetryDelay)

	relay := cfg.ToRelayConfig()
	assert.Equal(t, 50, relay.BatchSize)
	assert.Equal(t, 7, relay.MaxRetries)
	assert.Equal(t, "rabbitmq", cfg.ToBrokerConfig().Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.ToSagaConfig().RetryDelay)

	token, err := cfg.ToSagaConfig().Service.Credential()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:      ServerConfig{WriteTimeout: 90 * time.Second},
			JWT:         JWTConfig{Secret: "x", ServiceSubject: "svc", ServiceTokenTTL: 10 * time.Minute},
			Broker:      BrokerConfig{Driver: "redis"},
			Idempotency: IdempotencyConfig{Driver: "memory", TTL: time.Hour},
			Outbox: OutboxConfig{
				MaxRetries: 3, BatchSize: 10, DispatchInterval: time.Second, RetryInterval: time.Second,
				RetentionDays: 7, RetentionSchedule: "0 2 * * *", PublishTimeout: time.Second,
			},
			Saga:   SagaConfig{RetryAttempts: 3, RetryDelay: time.Second},
			Ledger: LedgerConfig{Timeout: time.Second},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "batch size", mutate: func(c *Config) { c.Outbox.BatchSize = 0 }, want: "outbox.batch_size"},
		{name: "max retries", mutate: func(c *Config) { c.Outbox.MaxRetries = -1 }, want: "outbox.max_retries"},
		{name: "saga attempts", mutate: func(c *Config) { c.Saga.RetryAttempts = 0 }, want: "saga.retry_attempts"},
		{name: "schedule", mutate: func(c *Config) { c.Outbox.RetentionSchedule = "daily" }, want: "retention_schedule"},
		{name: "driver", mutate: func(c *Config) { c.Broker.Driver = "kafka" }, want: "broker.driver"},
		{name: "secret", mutate: func(c *Config) { c.JWT.Secret = "" }, want: "jwt.secret"},
		{name: "redis mode", mutate: func(c *Config) { c.Redis.Mode = "list" }, want: "redis.mode"},
		{name: "service subject", mutate: func(c *Config) { c.JWT.ServiceSubject = "" }, want: "jwt.service_subject"},
		{name: "write timeout below saga", mutate: func(c *Config) { c.Server.WriteTimeout = 30 * time.Second }, want: "server.write_timeout"},
		{name: "slower ledger", mutate: func(c *Config) { c.Ledger.Timeout = 10 * time.Second }, want: "server.write_timeout"},
		{name: "service token ttl", mutate: func(c *Config) { c.JWT.ServiceTokenTTL = 10 * time.Second }, want: "jwt.service_token_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
