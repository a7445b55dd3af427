package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type BatchStore interface {
	Get(ctx context.Context, id int64) (*model.ListBatch, error)
	RequestVerification(ctx context.Context, id int64) (bool, error)
}

type BatchHandler struct {
	batches BatchStore
	logger  *zap.Logger
}

func NewBatchHandler(batches BatchStore, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{batches: batches, logger: logger}
}

// RequestVerification handles POST /batches/:id/verify
func (h *BatchHandler) RequestVerification(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	queued, err := h.batches.RequestVerification(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		h.logger.Error("Failed to queue batch verification", zap.Int64("batch_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue verification"})
		return
	}
	if !queued {
		c.JSON(http.StatusConflict, gin.H{"batchId": id, "status": string(model.BatchVerifying)})
		return
	}

	h.logger.Info("Batch verification queued", zap.Int64("batch_id", id))
	c.JSON(http.StatusAccepted, gin.H{"batchId": id, "status": "queued"})
}

// Get handles GET /batches/:id
func (h *BatchHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	b, err := h.batches.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch batch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         b.ID,
		"status":     b.Status,
		"total":      b.Counts.Total,
		"valid":      b.Counts.Valid,
		"invalid":    b.Counts.Invalid,
		"risky":      b.Counts.Risky,
		"unknown":    b.Counts.Unknown,
		"skipped":    b.Counts.Skipped,
		"error":      b.Error,
		"verifiedAt": b.VerifiedAt,
	})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
