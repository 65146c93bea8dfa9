package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Rabbit struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewRabbit(url, exchange string) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Rabbit{conn: conn, ch: ch, exchange: exchange}, nil
}

func (r *Rabbit) Close() {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

// Sobre común de todos los eventos del exchange.
type EventEnvelope struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func (r *Rabbit) Publish(ctx context.Context, routingKey string, payload any) error {
	eventID := uuid.NewString()
	body, err := json.Marshal(EventEnvelope{
		EventID:   eventID,
		Type:      routingKey,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	// el consumidor puede deduplicar por event_id, así que el reintento es seguro
	return retry(3, 200*time.Millisecond, func() error {
		return r.ch.PublishWithContext(ctx, r.exchange, routingKey, false, false, amqp.Publishing{
			ContentType: "application/json",
			MessageId:   eventID,
			Body:        body,
		})
	})
}

func retry(n int, sleep time.Duration, fn func() error) error {
	var err error
	for i := 0; i < n; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(sleep)
	}
	return err
}
