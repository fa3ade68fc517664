package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// deadLetterNames derives the dead letter exchange and queue for a queue
func deadLetterNames(queueName string) (exchange, queue string) {
	return queueName + ".dlx", queueName + ".dlq"
}

// DeclareEventQueue declares a durable queue bound to the given event
// types, with rejected messages routed to a dead letter queue.
func (q *Queue) DeclareEventQueue(queueName string, eventTypes ...string) error {
	if len(eventTypes) == 0 {
		return fmt.Errorf("queue %s needs at least one event binding", queueName)
	}

	dlx, dlq := deadLetterNames(queueName)

	err := q.channel.ExchangeDeclare(
		dlx,
		"fanout",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	_, err = q.channel.QueueDeclare(
		dlq,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := q.channel.QueueBind(dlq, "", dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	_, err = q.channel.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		amqp.Table{"x-dead-letter-exchange": dlx},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, eventType := range eventTypes {
		if err := q.channel.QueueBind(queueName, eventType, q.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", eventType, err)
		}
	}

	return nil
}

// DeadLetterDepth returns how many messages were dead-lettered for a queue
func (q *Queue) DeadLetterDepth(queueName string) (int, error) {
	_, dlq := deadLetterNames(queueName)
	return q.QueueDepth(dlq)
}
