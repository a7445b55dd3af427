package repository

import (
	"context"
	"fmt"
	"time"

	"ezoutreach/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CampaignRepository struct {
	db *pgxpool.Pool
}

func NewCampaignRepository(db *pgxpool.Pool) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, owner_id, mailbox_id, name, subject, body, throughput_cap, status,
	scheduled_at, completed_at, stop_reason, created_at, updated_at`

func scanCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.MailboxID,
		&c.Name,
		&c.Subject,
		&c.Body,
		&c.ThroughputCap,
		&c.Status,
		&c.ScheduledAt,
		&c.CompletedAt,
		&c.StopReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "campaign", id)
	}
	return c, nil
}

func (r *CampaignRepository) listByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = ANY($1)
		ORDER BY id
	`, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListSchedulable returns campaigns in scheduled or running state.
func (r *CampaignRepository) ListSchedulable(ctx context.Context) ([]model.Campaign, error) {
	return r.listByStatus(ctx, model.CampaignScheduled, model.CampaignRunning)
}

func (r *CampaignRepository) ListRunning(ctx context.Context) ([]model.Campaign, error) {
	return r.listByStatus(ctx, model.CampaignRunning)
}

// Start moves a due scheduled campaign to running, stamping scheduled_at if unset.
func (r *CampaignRepository) Start(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE campaigns
		SET status = 'running', scheduled_at = COALESCE(scheduled_at, $2), updated_at = NOW()
		WHERE id = $1
		  AND status = 'scheduled'
		  AND (scheduled_at IS NULL OR scheduled_at <= $2)
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to start campaign %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted is a no-op for an already completed campaign.
func (r *CampaignRepository) MarkCompleted(ctx context.Context, id int64, now time.Time, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE campaigns
		SET status = 'completed', completed_at = $2, stop_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`, id, now, reason)
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Stats counts delivered and bounced outbound messages.
func (r *CampaignRepository) Stats(ctx context.Context, id int64) (model.CampaignStats, error) {
	var s model.CampaignStats
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('sent', 'replied', 'bounced')),
			COUNT(*) FILTER (WHERE status = 'bounced')
		FROM emails
		WHERE campaign_id = $1
	`, id).Scan(&s.Sent, &s.Bounced)
	if err != nil {
		return s, fmt.Errorf("failed to load campaign %d stats: %w", id, err)
	}
	return s, nil
}
