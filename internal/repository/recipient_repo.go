package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/model"
	"ezoutreach/pkg/db"
	"ezoutreach/pkg/outbox"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RecipientRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewRecipientRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *RecipientRepository {
	return &RecipientRepository{db: db, outbox: outboxRepo}
}

const recipientColumns = `id, campaign_id, email, name, metadata, current_step, status,
	next_run_at, replied_at, created_at, updated_at`

func scanRecipient(row pgx.Row) (*model.Recipient, error) {
	var rc model.Recipient
	err := row.Scan(
		&rc.ID,
		&rc.CampaignID,
		&rc.Email,
		&rc.Name,
		&rc.Metadata,
		&rc.CurrentStep,
		&rc.Status,
		&rc.NextRunAt,
		&rc.RepliedAt,
		&rc.CreatedAt,
		&rc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *RecipientRepository) Get(ctx context.Context, id int64) (*model.Recipient, error) {
	rc, err := scanRecipient(r.db.QueryRow(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "recipient", id)
	}
	return rc, nil
}

// ListDue returns up to limit active recipients whose next_run_at has passed,
// never-scheduled ones first.
func (r *RecipientRepository) ListDue(ctx context.Context, campaignID int64, now time.Time, limit int) ([]model.Recipient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE campaign_id = $1
		  AND status IN ('pending', 'sent')
		  AND (next_run_at IS NULL OR next_run_at <= $2)
		ORDER BY next_run_at ASC NULLS FIRST, id ASC
		LIMIT $3
	`, campaignID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due recipients: %w", err)
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		out = append(out, *rc)
	}
	return out, rows.Err()
}

// LeaseForSend pushes next_run_at to leaseUntil and writes the campaign-send
// job to the outbox in the same transaction. It returns false when another
// scheduler already leased the recipient.
func (r *RecipientRepository) LeaseForSend(ctx context.Context, campaignID, recipientID int64, now, leaseUntil time.Time) (bool, error) {
	leased := false
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var step int
		err := tx.QueryRow(ctx, `
			UPDATE campaign_recipients
			SET next_run_at = $3, updated_at = NOW()
			WHERE id = $1 AND campaign_id = $2
			  AND status IN ('pending', 'sent')
			  AND (next_run_at IS NULL OR next_run_at <= $4)
			RETURNING current_step
		`, recipientID, campaignID, leaseUntil, now).Scan(&step)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lease recipient: %w", err)
		}
		leased = true
		return outbox.InsertEventInTx(ctx, tx, r.outbox, "campaign_recipient", &recipientID,
			mqcontracts.RoutingKeyCampaignSend,
			mqcontracts.CampaignSendPayload{CampaignID: campaignID, RecipientID: recipientID, Step: &step},
		)
	})
	if err != nil {
		return false, err
	}
	return leased, nil
}

// Finish moves an active recipient to a terminal status and clears next_run_at.
func (r *RecipientRepository) Finish(ctx context.Context, id int64, status model.RecipientStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $2, next_run_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'sent')
	`, id, status)
	if err != nil {
		return false, fmt.Errorf("failed to finish recipient %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SkipStep advances past step without sending.
func (r *RecipientRepository) SkipStep(ctx context.Context, id int64, step int, nextRunAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE campaign_recipients
		SET current_step = $2 + 1, next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND current_step = $2 AND status IN ('pending', 'sent')
	`, id, step, nextRunAt)
	if err != nil {
		return false, fmt.Errorf("failed to skip step for recipient %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceAfterSend marks the send delivered and moves the recipient to step+1.
// The recipient update is conditional on current_step so duplicates cannot
// move it twice.
func (r *RecipientRepository) AdvanceAfterSend(ctx context.Context, sendID, recipientID int64, step int, sentAt, nextRunAt time.Time) (bool, error) {
	advanced := false
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE campaign_sends
			SET status = 'sent', sent_at = $2, error = '', updated_at = NOW()
			WHERE id = $1 AND status = 'queued'
		`, sendID, sentAt); err != nil {
			return fmt.Errorf("failed to mark send %d sent: %w", sendID, err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE campaign_recipients
			SET status = 'sent', current_step = $2 + 1, next_run_at = $3, updated_at = NOW()
			WHERE id = $1 AND current_step = $2 AND status IN ('pending', 'sent')
		`, recipientID, step, nextRunAt)
		if err != nil {
			return fmt.Errorf("failed to advance recipient %d: %w", recipientID, err)
		}
		advanced = tag.RowsAffected() == 1
		return nil
	})
	return advanced, err
}

// Reschedule re-leases a recipient at the same step after a failed attempt.
func (r *RecipientRepository) Reschedule(ctx context.Context, id int64, step int, nextRunAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE campaign_recipients
		SET next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND current_step = $2 AND status IN ('pending', 'sent')
	`, id, step, nextRunAt)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule recipient %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RecipientRepository) CountActive(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_recipients
		WHERE campaign_id = $1 AND status IN ('pending', 'sent')
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active recipients: %w", err)
	}
	return n, nil
}

// StopActive stops every active recipient and skips their queued sends.
func (r *RecipientRepository) StopActive(ctx context.Context, campaignID int64) (int64, error) {
	var stopped int64
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE campaign_recipients
			SET status = 'stopped', next_run_at = NULL, updated_at = NOW()
			WHERE campaign_id = $1 AND status IN ('pending', 'sent')
		`, campaignID)
		if err != nil {
			return fmt.Errorf("failed to stop recipients: %w", err)
		}
		stopped = tag.RowsAffected()
		_, err = tx.Exec(ctx, `
			UPDATE campaign_sends
			SET status = 'skipped', updated_at = NOW()
			WHERE campaign_id = $1 AND status = 'queued'
		`, campaignID)
		if err != nil {
			return fmt.Errorf("failed to skip queued sends: %w", err)
		}
		return nil
	})
	return stopped, err
}
