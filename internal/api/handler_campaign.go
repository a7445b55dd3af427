package api

import (
	"context"
	"errors"
	"net/http"

	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type CampaignStore interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	Stats(ctx context.Context, id int64) (model.CampaignStats, error)
}

type PipelineCounter interface {
	CountQueued(ctx context.Context, campaignID int64) (int, error)
}

type RecipientCounter interface {
	CountActive(ctx context.Context, campaignID int64) (int, error)
}

type CampaignHandler struct {
	campaigns  CampaignStore
	sends      PipelineCounter
	recipients RecipientCounter
	logger     *zap.Logger
}

func NewCampaignHandler(campaigns CampaignStore, sends PipelineCounter, recipients RecipientCounter, logger *zap.Logger) *CampaignHandler {
	return &CampaignHandler{campaigns: campaigns, sends: sends, recipients: recipients, logger: logger}
}

// Get handles GET /campaigns/:id with live pipeline counts.
func (h *CampaignHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	camp, err := h.campaigns.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch campaign"})
		return
	}

	stats, err := h.campaigns.Stats(ctx, id)
	if err != nil {
		h.logger.Error("Failed to load campaign stats", zap.Int64("campaign_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch campaign"})
		return
	}
	queued, err := h.sends.CountQueued(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch campaign"})
		return
	}
	active, err := h.recipients.CountActive(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch campaign"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":               camp.ID,
		"name":             camp.Name,
		"status":           camp.Status,
		"stopReason":       camp.StopReason,
		"completedAt":      camp.CompletedAt,
		"sent":             stats.Sent,
		"bounced":          stats.Bounced,
		"bounceRate":       stats.BounceRate(),
		"queuedSends":      queued,
		"activeRecipients": active,
	})
}
