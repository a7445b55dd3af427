package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/errs"
	"ezoutreach/pkg/logger"

	"go.uber.org/zap"
)

type Deliverer interface {
	Deliver(ctx context.Context, emailID int64) error
}

type EmailDeliverHandler struct {
	deliverer Deliverer
	logger    *zap.Logger
}

func NewEmailDeliverHandler(deliverer Deliverer, logger *zap.Logger) *EmailDeliverHandler {
	return &EmailDeliverHandler{deliverer: deliverer, logger: logger}
}

// Handle -- email-deliver.q
func (h *EmailDeliverHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.EmailDeliverPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to decode email-deliver payload: %w", err)
	}
	if p.OutboundMessageID == 0 {
		return fmt.Errorf("invalid email-deliver payload: %s", raw)
	}
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("email_id", p.OutboundMessageID))

	err := h.deliverer.Deliver(ctx, p.OutboundMessageID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrStaleJob):
		log.Debug("Dropped stale email-deliver job", zap.String("reason", err.Error()))
		return nil
	case errors.Is(err, errs.ErrDeliveryFailed):
		log.Warn("Email delivery failed", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("email %d: %w", p.OutboundMessageID, err)
	}
}
