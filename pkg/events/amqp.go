package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	// dialTimeout caps a connection attempt when the context allows more.
	dialTimeout = 5 * time.Second

	// redialBackoff is how long publishes fail fast after a failed dial.
	redialBackoff = 5 * time.Second

	heartbeat = 10 * time.Second
)

var errBackingOff = errors.New("rabbitmq unreachable, backing off")

// amqpPublisher publishes events to a durable direct exchange. The
// connection is opened on first use and re-opened once when a publish
// finds it closed.
type amqpPublisher struct {
	log        logrus.FieldLogger
	url        string
	exchange   string
	routingKey string
	now        func() time.Time

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	retryAt time.Time
}

var _ Publisher = (*amqpPublisher)(nil)

// NewAMQPPublisher creates a RabbitMQ publisher. It does not dial until
// the first event is published.
func NewAMQPPublisher(log logrus.FieldLogger, cfg *config.AMQPConfig) Publisher {
	return &amqpPublisher{
		log:        log.WithField("component", "amqp-publisher"),
		url:        cfg.URL,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		now:        time.Now,
	}
}

// New returns the publisher selected by cfg.
func New(log logrus.FieldLogger, cfg *config.EventsConfig) Publisher {
	if !cfg.AMQP.Enabled {
		return Noop{}
	}

	return NewAMQPPublisher(log, &cfg.AMQP)
}

// routingKeyFor uses the configured key, falling back to the event type.
func (p *amqpPublisher) routingKeyFor(e Event) string {
	if p.routingKey != "" {
		return p.routingKey
	}

	return string(e.Type)
}

func (p *amqpPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         string(e.Type),
		MessageId:    e.ReportID,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil {
		p.closeLocked()

		if err := p.connectLocked(ctx); err != nil {
			return err
		}
	}

	key := p.routingKeyFor(e)

	err = p.channel.Publish(p.exchange, key, false, false, publishing)
	if err != nil && isConnClosedErr(err) {
		p.closeLocked()

		if connErr := p.connectLocked(ctx); connErr != nil {
			return fmt.Errorf("publishing event: %w (reconnect failed: %v)", err, connErr)
		}

		err = p.channel.Publish(p.exchange, key, false, false, publishing)
	}

	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}

		p.channel = nil
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}

		p.conn = nil
	}

	return errors.Join(errs...)
}

// connectLocked dials the broker within the context deadline. After a
// failed dial it refuses to redial until redialBackoff has passed.
func (p *amqpPublisher) connectLocked(ctx context.Context) error {
	now := p.now()
	if now.Before(p.retryAt) {
		return fmt.Errorf("connecting to rabbitmq: %w", errBackingOff)
	}

	timeout := dialTimeout

	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	if timeout <= 0 {
		return fmt.Errorf("connecting to rabbitmq: %w", context.DeadlineExceeded)
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		p.retryAt = p.now().Add(redialBackoff)

		return fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	p.retryAt = time.Time{}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return fmt.Errorf("declaring exchange %q: %w", p.exchange, err)
	}

	p.conn = conn
	p.channel = ch

	p.log.WithField("exchange", p.exchange).Info("Connected to RabbitMQ")

	return nil
}

func (p *amqpPublisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}

	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func isConnClosedErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	return strings.Contains(err.Error(), "channel/connection is not open")
}
