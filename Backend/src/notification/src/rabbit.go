package main

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rs/zerolog/log"
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

type ConsumerHandler func(rk string, body []byte) error

// ConsumeTopic liga la cola al exchange con los bindings dados y despacha cada
// mensaje al handler; un error del handler se registra y el mensaje se descarta
// (reintentar un aviso no aporta nada).
func (r *Rabbit) ConsumeTopic(queueName, consumerTag string, bindings []string, handler ConsumerHandler) error {
	q, err := r.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, rk := range bindings {
		if err := r.ch.QueueBind(q.Name, rk, r.exchange, false, nil); err != nil {
			return err
		}
	}
	msgs, err := r.ch.Consume(q.Name, consumerTag, true, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if err := handler(d.RoutingKey, d.Body); err != nil {
				log.Error().Err(err).Str("rk", d.RoutingKey).Msg("handler error")
			}
		}
		log.Warn().Str("queue", queueName).Msg("consumer stopped")
	}()
	return nil
}
