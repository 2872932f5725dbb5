package messaging

import (
	"context"
	"fmt"

	"github.com/jwalitptl/paypulse/pkg/logger"
	"github.com/jwalitptl/paypulse/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/paypulse/pkg/messaging/redis"
)

// Publisher delivers one serialized event to a topic. A nil error means the
// bus accepted the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Broker is a Publisher that owns a connection.
type Broker interface {
	Publisher
	Close() error
}

const (
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

type Config struct {
	Driver   string
	Redis    redis.Config
	RabbitMQ rabbitmq.Config
}

// NewBroker connects to the bus selected by cfg.Driver.
func NewBroker(ctx context.Context, cfg Config, log *logger.Logger) (Broker, error) {
	switch cfg.Driver {
	case DriverRedis, "":
		return redis.NewRedisBroker(ctx, cfg.Redis, log)
	case DriverRabbitMQ:
		return rabbitmq.NewRabbitBroker(cfg.RabbitMQ, log)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
