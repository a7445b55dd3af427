// Package scheduler starts due campaigns and leases due recipients onto the
// campaign-send queue.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"ezoutreach/internal/model"
	"ezoutreach/pkg/metrics"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	DefaultInterval      = 60 * time.Second
	DefaultLeaseWindow   = 10 * time.Minute
	DefaultThroughputCap = 50
)

type CampaignStore interface {
	ListSchedulable(ctx context.Context) ([]model.Campaign, error)
	Start(ctx context.Context, id int64, now time.Time) (bool, error)
}

// RecipientStore.LeaseForSend must bump nextRunAt and emit the send job
// atomically, and only if the recipient is still due.
type RecipientStore interface {
	ListDue(ctx context.Context, campaignID int64, now time.Time, limit int) ([]model.Recipient, error)
	LeaseForSend(ctx context.Context, campaignID, recipientID int64, now, leaseUntil time.Time) (bool, error)
}

type Config struct {
	Interval             time.Duration `yaml:"interval"`
	LeaseWindow          time.Duration `yaml:"lease_window"`
	DefaultThroughputCap int           `yaml:"default_throughput_cap"`
}

type Scheduler struct {
	campaigns  CampaignStore
	recipients RecipientStore
	cfg        Config
	now        func() time.Time
	logger     *zap.Logger
}

func New(campaigns CampaignStore, recipients RecipientStore, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = DefaultLeaseWindow
	}
	if cfg.DefaultThroughputCap <= 0 {
		cfg.DefaultThroughputCap = DefaultThroughputCap
	}
	return &Scheduler{
		campaigns:  campaigns,
		recipients: recipients,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

func (s *Scheduler) Interval() time.Duration { return s.cfg.Interval }

// Tick runs one sweep. Per-campaign failures are logged and aggregated; they
// never abort the sweep.
func (s *Scheduler) Tick(ctx context.Context) error {
	campaigns, err := s.campaigns.ListSchedulable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedulable campaigns: %w", err)
	}

	var result *multierror.Error
	total := 0
	for _, camp := range campaigns {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
		n, err := s.scheduleCampaign(ctx, camp)
		total += n
		if err != nil {
			s.logger.Error("Failed to schedule campaign",
				zap.Int64("campaign_id", camp.ID),
				zap.Error(err),
			)
			result = multierror.Append(result, fmt.Errorf("campaign %d: %w", camp.ID, err))
		}
	}

	metrics.AddSchedulerEnqueued(total)
	if total > 0 {
		s.logger.Info("Scheduler tick enqueued sends",
			zap.Int("campaigns", len(campaigns)),
			zap.Int("enqueued", total),
		)
	}
	return result.ErrorOrNil()
}

func (s *Scheduler) scheduleCampaign(ctx context.Context, camp model.Campaign) (int, error) {
	now := s.now()

	if camp.Status == model.CampaignScheduled {
		if camp.ScheduledAt != nil && camp.ScheduledAt.After(now) {
			return 0, nil
		}
		started, err := s.campaigns.Start(ctx, camp.ID, now)
		if err != nil {
			return 0, fmt.Errorf("failed to start campaign: %w", err)
		}
		if !started {
			return 0, nil
		}
		camp.Status = model.CampaignRunning
		s.logger.Info("Campaign started", zap.Int64("campaign_id", camp.ID))
	}
	if camp.Status != model.CampaignRunning {
		return 0, nil
	}

	limit := camp.ThroughputCap
	if limit <= 0 {
		limit = s.cfg.DefaultThroughputCap
	}
	due, err := s.recipients.ListDue(ctx, camp.ID, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due recipients: %w", err)
	}

	leaseUntil := now.Add(s.cfg.LeaseWindow)
	var result *multierror.Error
	enqueued := 0
	for _, r := range due {
		ok, err := s.recipients.LeaseForSend(ctx, camp.ID, r.ID, now, leaseUntil)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("recipient %d: %w", r.ID, err))
			continue
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Debug("Leased recipients",
			zap.Int64("campaign_id", camp.ID),
			zap.Int("due", len(due)),
			zap.Int("enqueued", enqueued),
		)
	}
	return enqueued, result.ErrorOrNil()
}
