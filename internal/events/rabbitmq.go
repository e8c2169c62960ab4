package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig configures the RabbitMQ publisher.
type RabbitMQConfig struct {
	URL            string
	Exchange       string
	Heartbeat      time.Duration
	PublishTimeout time.Duration
}

// channel is the part of *amqp.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(cfg RabbitMQConfig) (*amqp.Connection, channel, error)

// RabbitMQ publishes events to a durable topic exchange, one routing key
// per event type.
type RabbitMQ struct {
	cfg  RabbitMQConfig
	log  *slog.Logger
	dial dialFunc

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     channel
	closed bool
}

// NewRabbitMQ connects and declares the exchange.
func NewRabbitMQ(cfg RabbitMQConfig, logger *slog.Logger) (*RabbitMQ, error) {
	return newRabbitMQ(cfg, logger, dialAMQP)
}

func newRabbitMQ(cfg RabbitMQConfig, logger *slog.Logger, dial dialFunc) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "screenq.events"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &RabbitMQ{cfg: cfg, log: logger, dial: dial}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func dialAMQP(cfg RabbitMQConfig) (*amqp.Connection, channel, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

// connect must be called with mu held or before the publisher is shared.
func (p *RabbitMQ) connect() error {
	conn, ch, err := p.dial(p.cfg)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("failed to declare exchange %s: %w", p.cfg.Exchange, err)
	}
	p.conn = conn
	p.ch = ch
	p.log.Info("rabbitmq publisher connected", "exchange", p.cfg.Exchange)
	return nil
}

func (p *RabbitMQ) disconnected() bool {
	return p.ch == nil || (p.conn != nil && p.conn.IsClosed())
}

// Publish sends e as a persistent JSON message. A dropped connection is
// re-established once before giving up.
func (p *RabbitMQ) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("publisher is closed")
	}
	if p.disconnected() {
		if err := p.connect(); err != nil {
			return fmt.Errorf("failed to reconnect before publishing: %w", err)
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Timestamp,
		Body:         body,
		Headers:      amqp.Table{"job_id": string(e.JobID)},
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(pubCtx, p.cfg.Exchange, string(e.Type), false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		if rerr := p.connect(); rerr == nil {
			err = p.ch.PublishWithContext(pubCtx, p.cfg.Exchange, string(e.Type), false, false, msg)
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}

	p.log.Debug("published event", "type", e.Type, "jobID", e.JobID, "size", len(body))
	return nil
}

// Close closes the channel and connection.
func (p *RabbitMQ) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel close: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection close: %w", err))
		}
	}
	return errors.Join(errs...)
}
