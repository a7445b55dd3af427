package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"ezoutreach/pkg/metrics"
	"ezoutreach/pkg/trace"
	"ezoutreach/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// DeadLetterer receives payloads that were dropped after a handler error.
type DeadLetterer interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// ConsumerOption tunes a Consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch sets the channel QoS; 1 keeps a single job in flight per instance.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithRequeueOnError makes handler errors nack+requeue instead of ack.
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) { c.requeueOnError = requeue }
}

// WithDeadLetter copies failed payloads to the DLQ before they are acked.
func WithDeadLetter(dl DeadLetterer) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = dl }
}

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.handlerTimeout = d }
}

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	queueName  string
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger

	prefetch       int
	requeueOnError bool
	handlerTimeout time.Duration
	deadLetter     DeadLetterer
}

// NewConsumer creates a consumer bound to routingKey on a durable queue.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		queueName:  queueName,
		routingKey: routingKey,
		logger:     logger,
		prefetch:   1,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if c.deadLetter != nil {
		if err := DeclareDLQExchange(ch); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare dlq exchange: %w", err)
		}
		if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
		zap.Int("prefetch", c.prefetch),
	)

	c.conn = conn
	c.channel = ch
	c.queue = q
	return c, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is done or the delivery channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",    // consumer tag generated by the broker
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for queue %s", c.queue.Name)
			}
			traceID, _ := msg.Headers[trace.HeaderName].(string)
			c.process(ctx, msg.Body, traceID, msg)
		}
	}
}

// process 保证每条消息都会被 ack 或 nack
func (c *Consumer) process(parent context.Context, body []byte, traceID string, ack acknowledger) {
	start := time.Now()
	ctx := parent
	if traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	} else {
		ctx, traceID = trace.Ensure(ctx)
	}
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	log := c.logger.With(
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queueName),
		zap.String("trace_id", traceID),
	)
	defer func() {
		metrics.RecordMQConsumeLatency(c.routingKey, c.queueName, time.Since(start))
	}()

	err := c.invoke(ctx, body)
	if err == nil {
		if ackErr := ack.Ack(false); ackErr != nil {
			log.Error("Failed to ack message", zap.Error(ackErr))
		}
		return
	}

	retryable, kind := util.ClassifyError(err)
	metrics.IncrementJobError(c.routingKey, kind)
	log.Error("Handler error",
		zap.String("error_kind", kind),
		zap.Bool("retryable", retryable),
		zap.Int("message_size", len(body)),
		zap.Error(err),
	)

	if c.requeueOnError && retryable {
		if nackErr := ack.Nack(false, true); nackErr != nil {
			log.Error("Failed to nack message", zap.Error(nackErr))
		}
		return
	}

	if c.deadLetter != nil {
		if dlErr := c.deadLetter.PublishToDLQ(ctx, c.routingKey, body, err.Error()); dlErr != nil {
			log.Warn("Failed to copy message to DLQ", zap.Error(dlErr))
		}
	}
	if ackErr := ack.Ack(false); ackErr != nil {
		log.Error("Failed to ack message", zap.Error(ackErr))
	}
}

// invoke runs the handler, turning a panic into an error.
func (c *Consumer) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", util.ErrHandlerPanic, r)
		}
	}()
	return c.handler(ctx, body)
}
