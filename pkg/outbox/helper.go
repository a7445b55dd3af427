package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"ezoutreach/pkg/trace"

	"github.com/jackc/pgx/v5"
)

// NewEvent builds a pending event, carrying the trace id found on ctx.
func NewEvent(ctx context.Context, aggregateType string, aggregateID *int64, routingKey string, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       body,
		TraceID:       trace.FromContext(ctx),
		Status:        StatusPending,
	}, nil
}

// InsertEventInTx 在事务中插入事件到 outbox
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID *int64,
	routingKey string,
	payload any,
) error {
	event, err := NewEvent(ctx, aggregateType, aggregateID, routingKey, payload)
	if err != nil {
		return err
	}
	return repo.InsertEvent(ctx, tx, event)
}
