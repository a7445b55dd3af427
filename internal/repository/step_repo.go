package repository

import (
	"context"
	"fmt"

	"ezoutreach/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type StepRepository struct {
	db *pgxpool.Pool
}

func NewStepRepository(db *pgxpool.Pool) *StepRepository {
	return &StepRepository{db: db}
}

// List returns a campaign's steps ordered by step_order.
func (r *StepRepository) List(ctx context.Context, campaignID int64) ([]model.Step, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, campaign_id, step_order, subject, body, delay_minutes, condition, created_at
		FROM campaign_steps
		WHERE campaign_id = $1
		ORDER BY step_order
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.Order, &s.Subject, &s.Body, &s.DelayMinutes, &s.Condition, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// EnsureFirstStep materializes step 0 from the campaign's base message.
// Concurrent callers converge on the same row.
func (r *StepRepository) EnsureFirstStep(ctx context.Context, campaignID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO campaign_steps (campaign_id, step_order, subject, body, delay_minutes, condition)
		SELECT id, 0, subject, body, 0, 'always'
		FROM campaigns
		WHERE id = $1
		ON CONFLICT (campaign_id, step_order) DO NOTHING
	`, campaignID)
	if err != nil {
		return fmt.Errorf("failed to materialize step 0 for campaign %d: %w", campaignID, err)
	}
	return nil
}
