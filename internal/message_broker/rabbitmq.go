package message_broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/valhalla/jobcore/types/config"
)

type RabbitMQ struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	exchange    string
	routingKey  string
	contentType string
}

// NewRabbitMQ declares the exchange and queue from cfg and binds them.
// prefetch bounds unacknowledged deliveries per consumer.
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetch int) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	fail := func(err error) (*RabbitMQ, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fail(err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fail(err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fail(err)
		}
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return &RabbitMQ{
		conn:        conn,
		channel:     ch,
		exchange:    cfg.Exchange,
		routingKey:  cfg.RoutingKey,
		contentType: contentType,
	}, nil
}

// Publish routes through the configured exchange; queue is implied by the
// binding.
func (r *RabbitMQ) Publish(ctx context.Context, _ string, message []byte) error {
	return r.channel.PublishWithContext(ctx,
		r.exchange,
		r.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  r.contentType,
			DeliveryMode: amqp.Persistent,
			Body:         message,
		},
	)
}

func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan Message, error) {
	msgs, err := r.channel.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan Message, 1000)

	go func() {
		defer close(out)

		for {
			select {
			case d, ok := <-msgs:
				if !ok {
					return
				}
				msg := Message{
					Body: d.Body,
					Ack:  func() error { return d.Ack(false) },
					Nack: func(requeue bool) error { return d.Nack(false, requeue) },
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
