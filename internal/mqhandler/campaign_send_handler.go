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

type SendProcessor interface {
	HandleSend(ctx context.Context, job mqcontracts.CampaignSendPayload) error
}

type CampaignSendHandler struct {
	orchestrator SendProcessor
	logger       *zap.Logger
}

func NewCampaignSendHandler(orchestrator SendProcessor, logger *zap.Logger) *CampaignSendHandler {
	return &CampaignSendHandler{orchestrator: orchestrator, logger: logger}
}

// Handle -- campaign-send.q
func (h *CampaignSendHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.CampaignSendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// JSON decode 错误 - 不可重试，交给 consumer 进 DLQ
		return fmt.Errorf("failed to decode campaign-send payload: %w", err)
	}
	if p.CampaignID == 0 || p.RecipientID == 0 {
		return fmt.Errorf("invalid campaign-send payload: %s", raw)
	}

	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int64("campaign_id", p.CampaignID),
		zap.Int64("recipient_id", p.RecipientID),
	)

	err := h.orchestrator.HandleSend(ctx, p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrStaleJob):
		log.Debug("Dropped stale campaign-send job", zap.String("reason", err.Error()))
		return nil
	case errors.Is(err, errs.ErrDeliveryFailed):
		// 重试已经由 orchestrator 安排
		log.Warn("Campaign send delivery failed", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("campaign %d recipient %d: %w", p.CampaignID, p.RecipientID, err)
	}
}
