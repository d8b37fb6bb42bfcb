package notify

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alexdev-tb/submission-evaluator/internal/store"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes results as persistent JSON messages on a direct
// exchange.
type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    amqpChannel
	exchange   string
	routingKey string
}

// DialAMQP connects and declares a durable exchange, and a durable queue
// bound to it when queue is not empty.
func DialAMQP(url, exchange, queue, routingKey string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if queue != "" {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	p := newAMQPPublisher(ch, exchange, routingKey)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange, routingKey string) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange, routingKey: routingKey}
}

func (p *AMQPPublisher) Publish(ctx context.Context, r store.Result) error {
	body, err := encode(r)
	if err != nil {
		return err
	}
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    r.JobID,
			Timestamp:    r.FinishedAt,
			Type:         "evaluation.result",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish result %s: %w", r.JobID, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		return err
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
