package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jwalitptl/paypulse/pkg/logger"
)

var (
	ErrPublishNacked  = errors.New("message was nacked by broker")
	ErrConfirmTimeout = errors.New("confirmation timed out")
	ErrClosed         = errors.New("broker is closed")
)

const defaultConfirmTimeout = 5 * time.Second

type Config struct {
	URL            string
	Exchange       string
	ConfirmTimeout time.Duration
}

// Channel is the part of *amqp.Channel the broker uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a fresh confirm-capable channel. It is called on start and
// again whenever the current channel has failed.
type Dialer func() (Channel, func() error, error)

// RabbitBroker publishes to a durable topic exchange with the event type as
// routing key. Each publish waits for the broker's confirm.
type RabbitBroker struct {
	exchange       string
	confirmTimeout time.Duration
	dial           Dialer
	logger         *logger.Logger

	mu        sync.Mutex
	ch        Channel
	closeConn func() error
	confirms  chan amqp.Confirmation
	closed    bool
}

func NewRabbitBroker(cfg Config, log *logger.Logger) (*RabbitBroker, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	dial := func() (Channel, func() error, error) {
		conn, err := amqp.Dial(cleanURL)
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return ch, conn.Close, nil
	}
	return NewWithDialer(cfg, dial, log)
}

// NewWithDialer builds a broker over a custom channel source.
func NewWithDialer(cfg Config, dial Dialer, log *logger.Logger) (*RabbitBroker, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "paypulse.events"
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	b := &RabbitBroker{
		exchange:       cfg.Exchange,
		confirmTimeout: cfg.ConfirmTimeout,
		dial:           dial,
		logger:         log,
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// connect must be called with mu held or before the broker is shared.
func (b *RabbitBroker) connect() error {
	ch, closeConn, err := b.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		b.release(ch, closeConn)
		return fmt.Errorf("failed to declare exchange %s: %w", b.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		b.release(ch, closeConn)
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	b.ch = ch
	b.closeConn = closeConn
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

func (b *RabbitBroker) release(ch Channel, closeConn func() error) {
	if ch != nil {
		_ = ch.Close()
	}
	if closeConn != nil {
		_ = closeConn()
	}
}

// Publish sends one persistent message and blocks until it is confirmed.
// Publishes are serialized so every confirm matches the message just sent.
func (b *RabbitBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.ch == nil {
		if err := b.connect(); err != nil {
			return err
		}
	}

	err := b.ch.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		b.reset()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	timer := time.NewTimer(b.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-b.confirms:
		if !ok {
			b.reset()
			return fmt.Errorf("channel closed before confirming %s", topic)
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: %s", ErrPublishNacked, topic)
		}
		return nil
	case <-timer.C:
		// A late confirm would be matched to the next message; start over.
		b.reset()
		return fmt.Errorf("%w: %s", ErrConfirmTimeout, topic)
	case <-ctx.Done():
		b.reset()
		return ctx.Err()
	}
}

// reset drops the current channel; the next Publish dials a new one.
func (b *RabbitBroker) reset() {
	b.logger.Warn("Resetting RabbitMQ channel", "exchange", b.exchange)
	b.release(b.ch, b.closeConn)
	b.ch = nil
	b.closeConn = nil
	b.confirms = nil
}

func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.release(b.ch, b.closeConn)
	b.ch = nil
	return nil
}
