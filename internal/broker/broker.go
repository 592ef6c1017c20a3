// Package broker forwards finished sessions to other services over an AMQP topic exchange.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/victornm/aerotrain/internal/domain"
	"github.com/victornm/aerotrain/internal/event"
)

const routingKeyPrefix = "training."

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Config struct {
	EventBus *event.Bus
	Channel  Channel
	Exchange string
}

type Publisher struct {
	ch       Channel
	exchange string
}

func NewPublisher(c Config) *Publisher {
	p := &Publisher{
		ch:       c.Channel,
		exchange: c.Exchange,
	}

	c.EventBus.Subscribe(domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
		return p.PublishSessionCompleted(ctx, e.(domain.EventSessionCompleted))
	})

	return p
}

// PublishSessionCompleted publishes the results under routing key "training.session.completed".
func (p *Publisher) PublishSessionCompleted(ctx context.Context, e domain.EventSessionCompleted) error {
	msg, err := Message(e.Name(), e.Results.SessionID, e.Results)
	if err != nil {
		return err
	}

	key := routingKeyPrefix + e.Name()
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("broker: publish %s: %w", key, err)
	}

	slog.DebugContext(ctx, "broker: published", "key", key, "session", e.Results.SessionID)
	return nil
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Message wraps payload in a persistent JSON message. The message ID is the session ID so consumers can deduplicate.
func Message(eventType, id string, payload any) (amqp.Publishing, error) {
	body, err := json.Marshal(envelope{Type: eventType, Payload: payload})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("broker: marshal %s: %w", eventType, err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Type:         eventType,
		Timestamp:    time.Now(),
		Body:         body,
	}, nil
}

// Connection owns the AMQP connection and the channel publishers write to.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to uri and declares exchange as a durable topic exchange.
func Dial(uri, exchange string) (*Connection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Connection{conn: conn, ch: ch}, nil
}

func (c *Connection) Channel() *amqp.Channel { return c.ch }

func (c *Connection) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
