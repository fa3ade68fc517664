package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// DefaultExchange carries every job lifecycle event; routing keys are the
// event types (job.queued, job.failed, ...).
const DefaultExchange = "encodejobs.events"

// AlertQueue receives exhausted-job events for the sweeper's alert pass
const AlertQueue = "encodejobs.sweeper.alerts"

// Queue publishes and consumes job lifecycle events on a topic exchange
type Queue struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string

	// amqp channels are not safe for concurrent publishes
	mu sync.Mutex
}

// URL builds the AMQP connection URL
func URL(cfg config.QueueConfig) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)
}

// New creates a new queue client
func New(cfg config.QueueConfig) (*Queue, error) {
	conn, err := amqp.Dial(URL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	err = channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Queue{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// buildPublishing encodes an event as a persistent JSON message
func buildPublishing(event models.JobEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Type:         event.Type,
		MessageId:    fmt.Sprintf("%s:%s:%d", event.JobID, event.Type, event.Timestamp.UnixNano()),
		Timestamp:    event.Timestamp,
		Headers: amqp.Table{
			"job_id":   event.JobID,
			"video_id": event.VideoID,
			"attempt":  int32(event.Attempt),
		},
		Body: body,
	}, nil
}

// decodeEvent parses a delivered message body
func decodeEvent(body []byte) (models.JobEvent, error) {
	var event models.JobEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if event.Type == "" || event.JobID == "" {
		return event, fmt.Errorf("event is missing type or job id")
	}
	return event, nil
}

// PublishJobEvent publishes an event with its type as routing key
func (q *Queue) PublishJobEvent(ctx context.Context, event models.JobEvent) error {
	msg, err := buildPublishing(event)
	if err != nil {
		return err
	}

	q.mu.Lock()
	err = q.channel.PublishWithContext(ctx,
		q.exchange,
		event.Type,
		false, // mandatory
		false, // immediate
		msg,
	)
	q.mu.Unlock()

	if err != nil {
		metrics.RecordEventPublished(event.Type, "error")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.RecordEventPublished(event.Type, "success")
	return nil
}

// ConsumeEvents delivers events from queueName to handler until ctx is
// done. Handler errors requeue the message; undecodable messages are
// rejected and end up in the dead letter queue.
func (q *Queue) ConsumeEvents(ctx context.Context, queueName string, handler func(context.Context, models.JobEvent) error) error {
	err := q.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		queueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				event, err := decodeEvent(msg.Body)
				if err != nil {
					msg.Nack(false, false)
					continue
				}

				if err := handler(ctx, event); err != nil {
					msg.Nack(false, !msg.Redelivered)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// QueueDepth returns the number of messages waiting in a queue
func (q *Queue) QueueDepth(queueName string) (int, error) {
	info, err := q.channel.QueueInspect(queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
