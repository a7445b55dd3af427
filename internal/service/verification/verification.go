// Package verification resolves recipient-list batches against the bulk
// verification vendor and records verdicts in the registry.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
	"ezoutreach/pkg/metrics"
	"ezoutreach/pkg/util"

	"go.uber.org/zap"
)

const (
	DefaultChunkSize       = 500
	DefaultPollInterval    = 15 * time.Second
	DefaultMaxPollAttempts = 60

	reasonMissing = "missing from provider result"
)

type BatchStore interface {
	Get(ctx context.Context, id int64) (*model.ListBatch, error)
	Members(ctx context.Context, id int64) ([]string, error)
	MarkVerifying(ctx context.Context, id int64, total int) error
	Finish(ctx context.Context, id int64, status model.BatchStatus, counts model.BatchCounts, errMsg string, at time.Time) error
}

// Registry is the subset of the registry service the worker needs.
type Registry interface {
	Partition(ctx context.Context, addresses []string) ([]model.Verification, []string, error)
	MarkVerifying(ctx context.Context, addresses []string) error
	Record(ctx context.Context, verdicts []model.Verification) error
}

type Config struct {
	ChunkSize       int           `yaml:"chunk_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
	Provider        string        `yaml:"provider"`
}

type Worker struct {
	batches  BatchStore
	registry Registry
	verifier provider.Verifier
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

func New(batches BatchStore, registry Registry, verifier provider.Verifier, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.Provider == "" {
		cfg.Provider = "bulk"
	}
	return &Worker{
		batches:  batches,
		registry: registry,
		verifier: verifier,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   logger,
	}
}

func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// SetSleep replaces the wait between poll attempts.
func (w *Worker) SetSleep(fn func(ctx context.Context, d time.Duration) error) { w.sleep = fn }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// VerifyBatch verifies every stale member of the batch. A hard failure marks
// the batch failed and every unresolved address unknown before returning.
func (w *Worker) VerifyBatch(ctx context.Context, batchID int64) error {
	log := w.logger.With(zap.Int64("batch_id", batchID))

	if _, err := w.batches.Get(ctx, batchID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.Stale(fmt.Sprintf("batch %d not found", batchID))
		}
		return fmt.Errorf("failed to load batch: %w", err)
	}
	members, err := w.batches.Members(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch members: %w", err)
	}

	fresh, pending, err := w.registry.Partition(ctx, members)
	if err != nil {
		return fmt.Errorf("failed to partition batch members: %w", err)
	}

	counts := model.BatchCounts{Total: len(fresh) + len(pending), Skipped: len(fresh)}
	for _, v := range fresh {
		counts.Add(v.Status)
	}
	log.Info("Verifying batch",
		zap.Int("total", counts.Total),
		zap.Int("fresh", len(fresh)),
		zap.Int("to_verify", len(pending)),
	)

	if len(pending) == 0 {
		return w.batches.Finish(ctx, batchID, model.BatchVerified, counts, "", w.now())
	}
	if err := w.batches.MarkVerifying(ctx, batchID, counts.Total); err != nil {
		return fmt.Errorf("failed to mark batch verifying: %w", err)
	}

	for start := 0; start < len(pending); start += w.cfg.ChunkSize {
		end := min(start+w.cfg.ChunkSize, len(pending))
		chunk := pending[start:end]

		verdicts, err := w.verifyChunk(ctx, chunk, log)
		if err == nil {
			err = w.registry.Record(ctx, verdicts)
		}
		if err != nil {
			return w.failBatch(ctx, batchID, pending[start:], counts, err, log)
		}
		for _, v := range verdicts {
			counts.Add(v.Status)
			metrics.IncrementVerificationVerdict(string(v.Status))
		}
	}

	if err := w.batches.Finish(ctx, batchID, model.BatchVerified, counts, "", w.now()); err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}
	log.Info("Batch verified",
		zap.Int("valid", counts.Valid),
		zap.Int("invalid", counts.Invalid),
		zap.Int("risky", counts.Risky),
		zap.Int("unknown", counts.Unknown),
	)
	return nil
}

// verifyChunk submits one chunk and polls until the vendor is ready or the
// attempts run out. Only a hard error is returned; exhaustion yields unknown
// verdicts.
func (w *Worker) verifyChunk(ctx context.Context, chunk []string, log *zap.Logger) ([]model.Verification, error) {
	if err := w.registry.MarkVerifying(ctx, chunk); err != nil {
		return nil, fmt.Errorf("failed to mark addresses verifying: %w", err)
	}
	requestID, err := w.verifier.Submit(ctx, chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to submit verification request: %w", err)
	}
	log = log.With(zap.String("request_id", requestID), zap.Int("chunk_size", len(chunk)))

	for attempt := 1; attempt <= w.cfg.MaxPollAttempts; attempt++ {
		if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
			return nil, err
		}
		res, err := w.verifier.Poll(ctx, requestID)
		if err != nil {
			metrics.IncrementVerificationPoll("error")
			retryable, kind := util.ClassifyError(err)
			if !retryable {
				return nil, fmt.Errorf("failed to poll verification request: %w", err)
			}
			log.Warn("Verification poll failed, will retry",
				zap.Int("attempt", attempt),
				zap.String("error_type", kind),
				zap.Error(err),
			)
			continue
		}
		if !res.Ready {
			metrics.IncrementVerificationPoll("pending")
			continue
		}
		metrics.IncrementVerificationPoll("ready")
		return w.verdictsFrom(chunk, res), nil
	}

	metrics.IncrementVerificationPoll("exhausted")
	log.Warn("Verification poll attempts exhausted", zap.Int("attempts", w.cfg.MaxPollAttempts))
	return w.unknown(chunk, errs.ErrVerificationExhausted.Error()), nil
}

func (w *Worker) verdictsFrom(chunk []string, res provider.VerifyResult) []model.Verification {
	byAddr := make(map[string]provider.Verdict, len(res.Results))
	for addr, v := range res.Results {
		byAddr[model.NormalizeAddress(addr)] = v
	}
	at := w.now()
	out := make([]model.Verification, 0, len(chunk))
	for _, addr := range chunk {
		v := model.Verification{Address: addr, Provider: w.cfg.Provider, VerifiedAt: &at}
		if got, ok := byAddr[addr]; ok {
			v.Status = model.ParseVerificationStatus(got.Status)
			v.Score = got.Score
		} else {
			v.Status = model.VerificationUnknown
			v.Reason = reasonMissing
		}
		out = append(out, v)
	}
	return out
}

func (w *Worker) unknown(addrs []string, reason string) []model.Verification {
	at := w.now()
	out := make([]model.Verification, len(addrs))
	for i, addr := range addrs {
		out[i] = model.Verification{
			Address:    addr,
			Status:     model.VerificationUnknown,
			Reason:     reason,
			Provider:   w.cfg.Provider,
			VerifiedAt: &at,
		}
	}
	return out
}

func (w *Worker) failBatch(ctx context.Context, batchID int64, unresolved []string, counts model.BatchCounts, cause error, log *zap.Logger) error {
	// 关机时 ctx 已取消，收尾写入仍要落库
	ctx = context.WithoutCancel(ctx)

	_, kind := util.ClassifyError(cause)
	log.Error("Batch verification failed",
		zap.Int("unresolved", len(unresolved)),
		zap.String("error_type", kind),
		zap.Error(cause),
	)

	verdicts := w.unknown(unresolved, cause.Error())
	if err := w.registry.Record(ctx, verdicts); err != nil {
		log.Error("Failed to release unresolved addresses", zap.Error(err))
	} else {
		for range verdicts {
			counts.Add(model.VerificationUnknown)
		}
	}
	if err := w.batches.Finish(ctx, batchID, model.BatchFailed, counts, cause.Error(), w.now()); err != nil {
		log.Error("Failed to mark batch failed", zap.Error(err))
	}
	return fmt.Errorf("batch %d verification failed: %w", batchID, cause)
}
