package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning false re-queues the message.
type Handler func(body []byte) bool

type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
	logger   *slog.Logger
}

func NewConsumer(amqpURL string, prefetch int, logger *slog.Logger) (*Consumer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{conn: conn, ch: ch, prefetch: prefetch, logger: logger.With("component", "rabbitmq_consumer")}, nil
}

type ackAction int

const (
	ackMessage ackAction = iota
	requeueMessage
	dropUnrouted
)

// dispatch picks the handler for a routing key and reports how the delivery must be settled.
func dispatch(handlers map[string]Handler, routingKey string, body []byte) ackAction {
	handler, ok := handlers[routingKey]
	if !ok {
		return dropUnrouted
	}
	if handler(body) {
		return ackMessage
	}
	return requeueMessage
}

// ConsumeWithBindings declares the queue, binds each routing key, and starts delivering
// messages to the matching handler in the background.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := declareTopicExchange(c.ch, exchange); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			switch dispatch(handlers, d.RoutingKey, d.Body) {
			case ackMessage:
				d.Ack(false)
			case requeueMessage:
				c.logger.Warn("handler failed; re-queuing", "routing_key", d.RoutingKey)
				d.Nack(false, true)
			case dropUnrouted:
				c.logger.Warn("no handler for routing key; acknowledging to drop", "routing_key", d.RoutingKey)
				d.Ack(false)
			}
		}
		c.logger.Info("delivery channel closed", "queue", q.Name)
	}()

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
