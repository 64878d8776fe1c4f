package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitQueue publishes jobs to a durable RabbitMQ queue and consumes them
// with manual acks.
type RabbitQueue struct {
	url    string
	name   string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

var _ Queue = (*RabbitQueue)(nil)

func NewRabbitQueue(url, name string, logger *zap.Logger) *RabbitQueue {
	if logger == nil {
		logger = zap.L()
	}
	return &RabbitQueue{url: url, name: name, logger: logger.Named("queue")}
}

func (q *RabbitQueue) connection() (*amqp.Connection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn, nil
	}
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	q.conn = conn
	return conn, nil
}

func (q *RabbitQueue) channel() (*amqp.Channel, error) {
	conn, err := q.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	return ch, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	err = ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Consume runs a reconnect loop until ctx is done.
func (q *RabbitQueue) Consume(ctx context.Context, h Handler) error {
	backoff := time.Second
	for {
		err := q.consumeLoop(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.logger.Warn("consume loop ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (q *RabbitQueue) consumeLoop(ctx context.Context, h Handler) error {
	ch, err := q.channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		q.deliver(ctx, h, d)
	}
	return errors.New("deliveries channel closed")
}

// deliver runs h for one delivery. Undecodable bodies are dropped without
// requeue; everything else is acked because the event row, not the broker,
// tracks retries.
func (q *RabbitQueue) deliver(ctx context.Context, h Handler, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Error("drop undecodable job", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := h(ctx, job); err != nil {
		q.logger.Warn("job handler failed", zap.Int64("event_id", job.EventID), zap.Error(err))
	}
	_ = d.Ack(false)
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
