package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPPublisher publishes events as persistent JSON messages to a durable
// queue on the default exchange. The connection is dialed lazily and
// re-dialed after a failure.
type AMQPPublisher struct {
	url    string
	queue  string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher returns a publisher for queue at url.
func NewAMQPPublisher(url, queue string, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:    url,
		queue:  queue,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publish sends one event. Errors are logged and returned; callers treat
// them as non-fatal.
func (p *AMQPPublisher) Publish(ctx context.Context, name string, payload any) error {
	body, err := json.Marshal(envelope{Type: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannelLocked(); err != nil {
		p.logger.Warn().Err(err).Str("event", name).Msg("amqp connect failed")
		return err
	}

	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         name,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Warn().Err(err).Str("event", name).Msg("amqp publish failed")
		p.resetLocked()
		return fmt.Errorf("events: publish %s: %w", name, err)
	}
	return nil
}

// Close shuts the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *AMQPPublisher) ensureChannelLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("events: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("events: declare queue %s: %w", p.queue, err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
