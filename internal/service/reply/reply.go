// Package reply polls connected mailboxes, threads inbound mail back to the
// outbound messages that caused it and stops the affected recipients.
package reply

import (
	"context"
	"fmt"
	"time"

	"ezoutreach/internal/model"
	"ezoutreach/pkg/metrics"

	"go.uber.org/zap"
)

type ReplyStore interface {
	ApplyReply(ctx context.Context, evt *model.ReplyEvent) (bool, error)
	ApplyBounce(ctx context.Context, evt *model.ReplyEvent) (bool, error)
}

type Registry interface {
	Record(ctx context.Context, verdicts []model.Verification) error
}

type CompletionChecker interface {
	CheckCampaign(ctx context.Context, campaignID int64) (bool, error)
}

// Processor applies matched replies and bounces.
type Processor struct {
	replies    ReplyStore
	registry   Registry
	completion CompletionChecker
	now        func() time.Time
	logger     *zap.Logger
}

func NewProcessor(replies ReplyStore, registry Registry, completion CompletionChecker, logger *zap.Logger) *Processor {
	return &Processor{
		replies:    replies,
		registry:   registry,
		completion: completion,
		now:        time.Now,
		logger:     logger,
	}
}

// ProcessReply marks the message and its recipient replied and cancels queued
// follow-ups. It returns false when the message was already replied.
func (p *Processor) ProcessReply(ctx context.Context, evt *model.ReplyEvent) (bool, error) {
	evt.Kind = model.ReplyKindReply
	applied, err := p.replies.ApplyReply(ctx, evt)
	if err != nil {
		return false, fmt.Errorf("failed to apply reply for email %d: %w", evt.EmailID, err)
	}
	if !applied {
		return false, nil
	}
	p.logger.Info("Reply recorded",
		zap.Int64("campaign_id", evt.CampaignID),
		zap.Int64("recipient_id", evt.RecipientID),
		zap.Int64("email_id", evt.EmailID),
		zap.String("from", evt.FromAddress),
	)
	p.checkCompletion(ctx, evt.CampaignID)
	return true, nil
}

// ProcessBounce marks the message and recipient bounced and records an
// invalid verdict for address in the registry.
func (p *Processor) ProcessBounce(ctx context.Context, evt *model.ReplyEvent, address string) (bool, error) {
	evt.Kind = model.ReplyKindBounce
	applied, err := p.replies.ApplyBounce(ctx, evt)
	if err != nil {
		return false, fmt.Errorf("failed to apply bounce for email %d: %w", evt.EmailID, err)
	}
	if !applied {
		return false, nil
	}

	if p.registry != nil {
		at := p.now()
		verdict := model.Verification{
			Address:    address,
			Status:     model.VerificationInvalid,
			Reason:     "hard bounce",
			Provider:   "bounce",
			VerifiedAt: &at,
		}
		if err := p.registry.Record(ctx, []model.Verification{verdict}); err != nil {
			// 退信本身已落库，registry 写失败只记录
			p.logger.Warn("Failed to record bounce in registry", zap.String("address", address), zap.Error(err))
		}
	}
	p.logger.Info("Bounce recorded",
		zap.Int64("campaign_id", evt.CampaignID),
		zap.Int64("recipient_id", evt.RecipientID),
		zap.Int64("email_id", evt.EmailID),
		zap.String("address", address),
	)
	p.checkCompletion(ctx, evt.CampaignID)
	return true, nil
}

func (p *Processor) checkCompletion(ctx context.Context, campaignID int64) {
	if p.completion == nil {
		return
	}
	if _, err := p.completion.CheckCampaign(ctx, campaignID); err != nil {
		p.logger.Warn("Completion check failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

func recordOutcome(kind model.ReplyKind, match string) {
	metrics.IncrementReplyProcessed(string(kind), match)
}
