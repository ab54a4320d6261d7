package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harmonymwirigi/patabasefiti-payments/backoff"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
)

// Publisher errors.
var (
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("broker confirmation timed out")
	ErrPublisherClosed = errors.New("publisher is closed")
)

const (
	defaultPublishAttempts = 5
	defaultConfirmTimeout  = 5 * time.Second
	defaultRetryBaseDelay  = 100 * time.Millisecond
	defaultRetryMaxDelay   = 2 * time.Second

	// confirmChannelBuffer must cover the maximum number of unconfirmed
	// messages to avoid blocking the broker's confirm stream.
	confirmChannelBuffer = 64
)

// ConfirmableChannel is the subset of an AMQP channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitConfig holds broker connection and delivery tuning.
type RabbitConfig struct {
	URI             string
	Exchange        string
	RoutingKey      string
	PublishAttempts int
	ConfirmTimeout  time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

func (c *RabbitConfig) initDefaults() {
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = defaultPublishAttempts
	}

	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}

	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}

	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
}

// RabbitPublisher publishes resolved-transaction events with broker
// confirms. Publish calls are serialized so each confirmation can be
// matched to its message without delivery-tag correlation state.
type RabbitPublisher struct {
	cfg      RabbitConfig
	conn     *amqp.Connection
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	logger   log.Logger

	mu     sync.Mutex
	closed bool
}

// DialRabbit connects to the broker, declares the durable topic exchange
// and returns a ready publisher.
func DialRabbit(cfg RabbitConfig, logger log.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("failed to declare exchange %q: %w", cfg.Exchange, err)
	}

	pub, err := NewRabbitFromChannel(ch, cfg, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, err
	}

	pub.conn = conn

	return pub, nil
}

// NewRabbitFromChannel builds a publisher on an existing channel, enabling
// confirm mode on it. The channel must be dedicated to this publisher.
func NewRabbitFromChannel(ch ConfirmableChannel, cfg RabbitConfig, logger log.Logger) (*RabbitPublisher, error) {
	cfg.initDefaults()

	if logger == nil {
		logger = log.NewNop()
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("channel does not support confirm mode: %w", err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	return &RabbitPublisher{
		cfg:      cfg,
		ch:       ch,
		confirms: confirms,
		logger:   logger,
	}, nil
}

// PublishResolved delivers the event, retrying nacks, confirm timeouts and
// transport errors with jittered backoff up to the configured attempt
// ceiling.
func (p *RabbitPublisher) PublishResolved(ctx context.Context, ev TransactionResolved) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.TransactionID,
		Timestamp:    ev.OccurredAt,
		Type:         "transaction.resolved",
		Body:         body,
	}

	var lastErr error

	for attempt := 0; attempt < p.cfg.PublishAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialWithJitter(p.cfg.RetryBaseDelay, attempt-1, p.cfg.RetryMaxDelay)
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return err
			}
		}

		if err := p.publishOnce(ctx, msg); err != nil {
			if errors.Is(err, ErrPublisherClosed) || isConfirmStreamCorrupted(err) {
				return fmt.Errorf("publish of %s: %w", ev.TransactionID, err)
			}

			lastErr = err

			p.logger.Log(ctx, log.LevelWarn, "event publish failed, will retry",
				log.String("transaction_id", ev.TransactionID),
				log.Int("attempt", attempt+1), log.Err(err))

			continue
		}

		return nil
	}

	return fmt.Errorf("publish of %s failed after %d attempts: %w",
		ev.TransactionID, p.cfg.PublishAttempts, lastErr)
}

func (p *RabbitPublisher) publishOnce(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := p.waitConfirm(ctx)
	if err != nil && isConfirmStreamCorrupted(err) {
		// The confirmation for this publish is still owed by the broker.
		// When it eventually arrives it would be consumed by the next
		// waitConfirm and misattributed to a different message, so the
		// channel is no longer usable.
		p.closed = true
		_ = p.ch.Close()
	}

	return err
}

// isConfirmStreamCorrupted reports whether the error left a pending
// confirmation behind that would desynchronize the next waitConfirm call.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p *RabbitPublisher) waitConfirm(ctx context.Context) error {
	timeout := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the channel and, when the publisher owns it, the
// connection. Safe to call more than once.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("closing channel: %w", err)
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("closing connection: %w", err)
		}
	}

	return nil
}
