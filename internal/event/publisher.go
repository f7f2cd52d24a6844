package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher posts serialized work orders onto the work queue. Delivery is
// fire-and-forget; no confirm channel is used.
type Publisher interface {
	Publish(ctx context.Context, order WorkOrder) error
}

// WorkPublisher publishes work orders to a single named RabbitMQ queue.
type WorkPublisher struct {
	conn              *RabbitMQConnection
	queue             string
	messagesPublished int64
	messagesFailed    int64
	lastPublishTime   time.Time
}

// NewWorkPublisher creates a publisher bound to the given queue.
func NewWorkPublisher(conn *RabbitMQConnection, queue string) *WorkPublisher {
	return &WorkPublisher{
		conn:            conn,
		queue:           queue,
		lastPublishTime: time.Now(),
	}
}

// Publish serializes the work order as a one-element JSON array and posts it
// on the default exchange. The array wrapping is part of the wire contract
// with the workers.
func (p *WorkPublisher) Publish(ctx context.Context, order WorkOrder) error {
	_, err := p.conn.Channel.QueueDeclare(
		p.queue, // queue name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		p.messagesFailed++
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	body, err := MarshalWorkOrder(order)
	if err != nil {
		p.messagesFailed++
		return err
	}

	err = p.conn.Channel.PublishWithContext(
		ctx,
		"",      // exchange
		p.queue, // routing key (queue name)
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		p.messagesFailed++
		return fmt.Errorf("failed to publish work order: %w", err)
	}

	p.messagesPublished++
	p.lastPublishTime = time.Now()

	slog.Info("Work order published",
		"queue", p.queue,
		"type", order.Type,
		"interval_from", order.IntervalFrom,
		"interval_to", order.IntervalTo,
		"start", order.Start,
		"end", order.End,
		"measurements", len(order.Meta),
	)

	return nil
}

// MarshalWorkOrder encodes a work order in its on-queue form, a JSON array
// containing the single message object.
func MarshalWorkOrder(order WorkOrder) ([]byte, error) {
	body, err := json.Marshal([]WorkOrder{order})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work order: %w", err)
	}
	return body, nil
}

// GetMetrics returns publisher metrics
func (p *WorkPublisher) GetMetrics() map[string]any {
	return map[string]any{
		"messages_published": p.messagesPublished,
		"messages_failed":    p.messagesFailed,
		"last_publish_time":  p.lastPublishTime,
		"queue":              p.queue,
	}
}
