package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ezoutreach/pkg/trace"

	"go.uber.org/zap"
)

// Publisher is satisfied by *mq.Publisher.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	repo       Store
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(repo Store, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	return d
}

func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	return d
}

// Interval is the scan period configured for the dispatcher.
func (d *Dispatcher) Interval() time.Duration { return d.interval }

// Tick publishes one batch of due events.
func (d *Dispatcher) Tick(ctx context.Context) error {
	events, err := d.repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	published := 0
	for _, event := range events {
		if err := d.publishEvent(ctx, event); err != nil {
			d.logger.Warn("Failed to publish outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)
			if err := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
			// 消息已发出，下轮会重复发布；消费端靠幂等吸收
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	d.logger.Debug("Outbox batch dispatched",
		zap.Int("fetched", len(events)),
		zap.Int("published", published),
	)
	return nil
}

// Start 按固定间隔扫描，直到 ctx 取消
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("Outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	return publishRaw(ctx, d.publisher, event)
}

func publishRaw(ctx context.Context, publisher Publisher, event *Event) error {
	if event.TraceID != "" {
		ctx = trace.WithContext(ctx, event.TraceID)
	}
	// RawMessage 原样写出，避免二次编码
	if err := publisher.PublishWithContext(ctx, event.RoutingKey, json.RawMessage(event.Payload)); err != nil {
		return fmt.Errorf("failed to publish to MQ: %w", err)
	}
	return nil
}
