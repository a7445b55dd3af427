package repository

import (
	"context"
	"errors"
	"fmt"

	"ezoutreach/internal/model"
	"ezoutreach/pkg/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReplyRepository applies inbound replies and bounces atomically.
type ReplyRepository struct {
	db *pgxpool.Pool
}

func NewReplyRepository(db *pgxpool.Pool) *ReplyRepository {
	return &ReplyRepository{db: db}
}

// ApplyReply records a reply against a delivered outbound message. It returns
// false when the message is already replied, bounced or failed. A recipient
// that already finished keeps its status; only repliedAt is recorded.
func (r *ReplyRepository) ApplyReply(ctx context.Context, evt *model.ReplyEvent) (bool, error) {
	applied := false
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		status, err := lockEmail(ctx, tx, evt)
		if err != nil {
			return err
		}
		if status != model.EmailQueued && status != model.EmailSent {
			return nil
		}
		if err := insertReplyEvent(ctx, tx, evt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE emails SET status = 'replied', replied_at = COALESCE(replied_at, $2), updated_at = NOW()
			WHERE id = $1 AND status IN ('queued', 'sent')
		`, evt.EmailID, evt.ReceivedAt); err != nil {
			return fmt.Errorf("failed to mark email replied: %w", err)
		}
		// 终态（completed/stopped/bounced）保持不变
		if _, err := tx.Exec(ctx, `
			UPDATE campaign_recipients
			SET status = CASE WHEN status IN ('pending', 'sent') THEN 'replied' ELSE status END,
			    replied_at = COALESCE(replied_at, $2),
			    next_run_at = NULL,
			    updated_at = NOW()
			WHERE id = $1
		`, evt.RecipientID, evt.ReceivedAt); err != nil {
			return fmt.Errorf("failed to mark recipient replied: %w", err)
		}
		if err := skipQueuedSends(ctx, tx, evt.RecipientID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ApplyBounce marks the message and recipient bounced. Replied messages are left alone.
func (r *ReplyRepository) ApplyBounce(ctx context.Context, evt *model.ReplyEvent) (bool, error) {
	applied := false
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		status, err := lockEmail(ctx, tx, evt)
		if err != nil {
			return err
		}
		if status == model.EmailBounced || status == model.EmailReplied {
			return nil
		}
		if err := insertReplyEvent(ctx, tx, evt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE emails SET status = 'bounced', bounced_at = COALESCE(bounced_at, $2), updated_at = NOW()
			WHERE id = $1
		`, evt.EmailID, evt.ReceivedAt); err != nil {
			return fmt.Errorf("failed to mark email bounced: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE campaign_recipients SET status = 'bounced', next_run_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'sent')
		`, evt.RecipientID); err != nil {
			return fmt.Errorf("failed to mark recipient bounced: %w", err)
		}
		if err := skipQueuedSends(ctx, tx, evt.RecipientID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// lockEmail loads the message row FOR UPDATE and fills the event's campaign and recipient.
func lockEmail(ctx context.Context, tx pgx.Tx, evt *model.ReplyEvent) (model.EmailStatus, error) {
	var status model.EmailStatus
	err := tx.QueryRow(ctx, `
		SELECT status, campaign_id, recipient_id FROM emails WHERE id = $1 FOR UPDATE
	`, evt.EmailID).Scan(&status, &evt.CampaignID, &evt.RecipientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notFound(err, "email", evt.EmailID)
		}
		return "", fmt.Errorf("failed to lock email %d: %w", evt.EmailID, err)
	}
	return status, nil
}

func insertReplyEvent(ctx context.Context, tx pgx.Tx, evt *model.ReplyEvent) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO reply_events (email_id, recipient_id, campaign_id, kind, inbound_id, from_address, subject, snippet, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (email_id, kind) DO UPDATE SET inbound_id = EXCLUDED.inbound_id
		RETURNING id, created_at
	`, evt.EmailID, evt.RecipientID, evt.CampaignID, evt.Kind, evt.InboundID, evt.FromAddress, evt.Subject, evt.Snippet, evt.ReceivedAt,
	).Scan(&evt.ID, &evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reply event: %w", err)
	}
	return nil
}

func skipQueuedSends(ctx context.Context, tx pgx.Tx, recipientID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE campaign_sends SET status = 'skipped', updated_at = NOW()
		WHERE recipient_id = $1 AND status = 'queued'
	`, recipientID)
	if err != nil {
		return fmt.Errorf("failed to skip queued sends: %w", err)
	}
	return nil
}
