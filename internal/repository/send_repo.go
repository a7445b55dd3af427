package repository

import (
	"context"
	"errors"
	"fmt"

	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"
	"ezoutreach/pkg/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SendRepository struct {
	db *pgxpool.Pool
}

func NewSendRepository(db *pgxpool.Pool) *SendRepository {
	return &SendRepository{db: db}
}

const sendColumns = `id, campaign_id, recipient_id, step, status, email_id, sent_at, error, created_at, updated_at`

func scanSend(row pgx.Row) (*model.Send, error) {
	var s model.Send
	err := row.Scan(
		&s.ID,
		&s.CampaignID,
		&s.RecipientID,
		&s.Step,
		&s.Status,
		&s.EmailID,
		&s.SentAt,
		&s.Error,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreate returns the send row for (campaign, recipient, step), creating
// it as queued if absent. created reports whether this call inserted it.
func (r *SendRepository) GetOrCreate(ctx context.Context, campaignID, recipientID int64, step int) (*model.Send, bool, error) {
	s, err := scanSend(r.db.QueryRow(ctx, `
		INSERT INTO campaign_sends (campaign_id, recipient_id, step, status)
		VALUES ($1, $2, $3, 'queued')
		ON CONFLICT (campaign_id, recipient_id, step) DO NOTHING
		RETURNING `+sendColumns,
		campaignID, recipientID, step))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create send: %w", err)
	}

	s, err = scanSend(r.db.QueryRow(ctx, `
		SELECT `+sendColumns+`
		FROM campaign_sends
		WHERE campaign_id = $1 AND recipient_id = $2 AND step = $3
	`, campaignID, recipientID, step))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing send: %w", err)
	}
	return s, false, nil
}

func (r *SendRepository) Get(ctx context.Context, id int64) (*model.Send, error) {
	s, err := scanSend(r.db.QueryRow(ctx, `SELECT `+sendColumns+` FROM campaign_sends WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "send", id)
	}
	return s, nil
}

// AttachEmail inserts the outbound message and links it to its send. A send
// that already has a message yields a stale-job error.
func (r *SendRepository) AttachEmail(ctx context.Context, email *model.Email) error {
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO emails (campaign_id, recipient_id, mailbox_id, send_id, step, to_address, subject, body, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued')
			RETURNING id, status, created_at, updated_at
		`,
			email.CampaignID,
			email.RecipientID,
			email.MailboxID,
			email.SendID,
			email.Step,
			email.ToAddress,
			email.Subject,
			email.Body,
		).Scan(&email.ID, &email.Status, &email.CreatedAt, &email.UpdatedAt)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE campaign_sends
			SET email_id = $2, updated_at = NOW()
			WHERE id = $1 AND email_id IS NULL AND status = 'queued'
		`, email.SendID, email.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.Stale("send already handled")
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Stale("send already has an outbound message")
		}
		if errors.Is(err, errs.ErrStaleJob) {
			return err
		}
		return fmt.Errorf("failed to attach email to send %d: %w", email.SendID, err)
	}
	return nil
}

func (r *SendRepository) CountQueued(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_sends WHERE campaign_id = $1 AND status = 'queued'
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued sends: %w", err)
	}
	return n, nil
}

// FailDelivery gives up on a send: the send and its message become failed and
// the recipient is stopped.
func (r *SendRepository) FailDelivery(ctx context.Context, sendID, emailID, recipientID int64, reason string) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE campaign_sends SET status = 'failed', error = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'queued'
		`, sendID, reason); err != nil {
			return fmt.Errorf("failed to fail send %d: %w", sendID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE emails SET status = 'failed', last_error = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'queued'
		`, emailID, reason); err != nil {
			return fmt.Errorf("failed to fail email %d: %w", emailID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE campaign_recipients SET status = 'stopped', next_run_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'sent')
		`, recipientID); err != nil {
			return fmt.Errorf("failed to stop recipient %d: %w", recipientID, err)
		}
		return nil
	})
}
