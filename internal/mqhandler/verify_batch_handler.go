package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/errs"
	"ezoutreach/pkg/logger"

	"go.uber.org/zap"
)

type BatchVerifier interface {
	VerifyBatch(ctx context.Context, batchID int64) error
}

// Deduper drops a batch job that is already being worked on. Optional.
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

type VerifyBatchHandler struct {
	verifier BatchVerifier
	deduper  Deduper
	logger   *zap.Logger
}

func NewVerifyBatchHandler(verifier BatchVerifier, deduper Deduper, logger *zap.Logger) *VerifyBatchHandler {
	return &VerifyBatchHandler{verifier: verifier, deduper: deduper, logger: logger}
}

// Handle -- verify-batch.q
func (h *VerifyBatchHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.VerifyBatchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to decode verify-batch payload: %w", err)
	}
	if p.BatchID == 0 {
		return fmt.Errorf("invalid verify-batch payload: %s", raw)
	}
	log := logger.WithTrace(ctx, h.logger).With(zap.Int64("batch_id", p.BatchID))

	id := strconv.FormatInt(p.BatchID, 10)
	if h.deduper != nil {
		if !h.deduper.AcquireOnce(ctx, "verify-batch", id) {
			log.Info("Batch verification already in progress, skipping")
			return nil
		}
		// 完成后释放，允许之后重新校验同一批次
		defer h.deduper.Release(context.WithoutCancel(ctx), "verify-batch", id)
	}

	err := h.verifier.VerifyBatch(ctx, p.BatchID)
	if errors.Is(err, errs.ErrStaleJob) {
		log.Debug("Dropped stale verify-batch job", zap.String("reason", err.Error()))
		return nil
	}
	return err
}
