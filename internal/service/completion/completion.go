// Package completion closes campaigns once their pipeline is quiescent.
package completion

import (
	"context"
	"fmt"
	"time"

	"ezoutreach/internal/model"
	"ezoutreach/pkg/metrics"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const DefaultSweepInterval = 5 * time.Minute

const (
	ReasonBounceRate = "bounce_rate_exceeded"
	ReasonMaxAge     = "max_age_exceeded"
)

type CampaignStore interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	ListRunning(ctx context.Context) ([]model.Campaign, error)
	MarkCompleted(ctx context.Context, id int64, now time.Time, reason string) (bool, error)
	Stats(ctx context.Context, id int64) (model.CampaignStats, error)
}

type SendStore interface {
	CountQueued(ctx context.Context, campaignID int64) (int, error)
}

type RecipientStore interface {
	CountActive(ctx context.Context, campaignID int64) (int, error)
	StopActive(ctx context.Context, campaignID int64) (int64, error)
}

// AutoStopConfig is an optional policy evaluated by Sweep only. Zero
// thresholds are disabled.
type AutoStopConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MaxBounceRate        float64       `yaml:"max_bounce_rate"`
	MinSentForBounceRate int           `yaml:"min_sent_for_bounce_rate"`
	MaxAge               time.Duration `yaml:"max_age"`
}

type Config struct {
	Interval time.Duration  `yaml:"interval"`
	AutoStop AutoStopConfig `yaml:"auto_stop"`
}

type Checker struct {
	campaigns  CampaignStore
	sends      SendStore
	recipients RecipientStore
	autoStop   AutoStopConfig
	interval   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewChecker(campaigns CampaignStore, sends SendStore, recipients RecipientStore, cfg Config, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	return &Checker{
		campaigns:  campaigns,
		sends:      sends,
		recipients: recipients,
		autoStop:   cfg.AutoStop,
		interval:   cfg.Interval,
		now:        time.Now,
		logger:     logger,
	}
}

func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Interval is how often Sweep should run.
func (c *Checker) Interval() time.Duration { return c.interval }

// CheckCampaign closes the campaign if nothing is queued and no recipient is
// still pending or sent. It reports whether this call closed it.
func (c *Checker) CheckCampaign(ctx context.Context, campaignID int64) (bool, error) {
	quiet, err := c.quiescent(ctx, campaignID)
	if err != nil || !quiet {
		return false, err
	}
	return c.complete(ctx, campaignID, "")
}

func (c *Checker) quiescent(ctx context.Context, campaignID int64) (bool, error) {
	queued, err := c.sends.CountQueued(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("failed to count queued sends: %w", err)
	}
	if queued > 0 {
		return false, nil
	}
	active, err := c.recipients.CountActive(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("failed to count active recipients: %w", err)
	}
	return active == 0, nil
}

func (c *Checker) complete(ctx context.Context, campaignID int64, reason string) (bool, error) {
	closed, err := c.campaigns.MarkCompleted(ctx, campaignID, c.now(), reason)
	if err != nil {
		return false, fmt.Errorf("failed to mark campaign completed: %w", err)
	}
	if !closed {
		return false, nil
	}

	label := "quiescent"
	if reason != "" {
		label = "auto_stop"
	}
	metrics.IncrementCampaignCompleted(label)
	c.logger.Info("Campaign completed",
		zap.Int64("campaign_id", campaignID),
		zap.String("reason", label),
		zap.String("stop_reason", reason),
	)
	return true, nil
}

// Sweep checks every running campaign. A failing campaign does not stop the
// sweep; errors are aggregated.
func (c *Checker) Sweep(ctx context.Context) error {
	campaigns, err := c.campaigns.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running campaigns: %w", err)
	}

	var result *multierror.Error
	closed := 0
	for _, camp := range campaigns {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
		done, err := c.sweepOne(ctx, camp)
		if err != nil {
			c.logger.Error("Completion check failed",
				zap.Int64("campaign_id", camp.ID),
				zap.Error(err),
			)
			result = multierror.Append(result, fmt.Errorf("campaign %d: %w", camp.ID, err))
			continue
		}
		if done {
			closed++
		}
	}

	c.logger.Debug("Completion sweep finished",
		zap.Int("running", len(campaigns)),
		zap.Int("completed", closed),
	)
	return result.ErrorOrNil()
}

func (c *Checker) sweepOne(ctx context.Context, camp model.Campaign) (bool, error) {
	if c.autoStop.Enabled {
		reason, err := c.autoStopReason(ctx, camp)
		if err != nil {
			return false, err
		}
		if reason != "" {
			stopped, err := c.recipients.StopActive(ctx, camp.ID)
			if err != nil {
				return false, fmt.Errorf("failed to stop active recipients: %w", err)
			}
			c.logger.Warn("Auto-stopping campaign",
				zap.Int64("campaign_id", camp.ID),
				zap.String("stop_reason", reason),
				zap.Int64("stopped_recipients", stopped),
			)
			return c.complete(ctx, camp.ID, reason)
		}
	}
	return c.CheckCampaign(ctx, camp.ID)
}

func (c *Checker) autoStopReason(ctx context.Context, camp model.Campaign) (string, error) {
	p := c.autoStop
	if p.MaxAge > 0 {
		started := camp.CreatedAt
		if camp.ScheduledAt != nil {
			started = *camp.ScheduledAt
		}
		if !started.IsZero() && c.now().Sub(started) > p.MaxAge {
			return ReasonMaxAge, nil
		}
	}
	if p.MaxBounceRate > 0 {
		stats, err := c.campaigns.Stats(ctx, camp.ID)
		if err != nil {
			return "", fmt.Errorf("failed to load campaign stats: %w", err)
		}
		if stats.Sent >= p.MinSentForBounceRate && stats.Sent > 0 && stats.BounceRate() > p.MaxBounceRate {
			return ReasonBounceRate, nil
		}
	}
	return "", nil
}
