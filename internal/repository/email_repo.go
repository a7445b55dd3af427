package repository

import (
	"context"
	"fmt"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/model"
	"ezoutreach/pkg/db"
	"ezoutreach/pkg/outbox"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EmailRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewEmailRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *EmailRepository {
	return &EmailRepository{db: db, outbox: outboxRepo}
}

const emailColumns = `id, campaign_id, recipient_id, mailbox_id, send_id, step, to_address, subject, body,
	status, provider_message_id, provider_thread_id, retry_count, last_error,
	claimed_until, sent_at, opened_at, clicked_at, replied_at, bounced_at, created_at, updated_at`

func scanEmail(row pgx.Row) (*model.Email, error) {
	var e model.Email
	err := row.Scan(
		&e.ID,
		&e.CampaignID,
		&e.RecipientID,
		&e.MailboxID,
		&e.SendID,
		&e.Step,
		&e.ToAddress,
		&e.Subject,
		&e.Body,
		&e.Status,
		&e.ProviderMessageID,
		&e.ProviderThreadID,
		&e.RetryCount,
		&e.LastError,
		&e.ClaimedUntil,
		&e.SentAt,
		&e.OpenedAt,
		&e.ClickedAt,
		&e.RepliedAt,
		&e.BouncedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EmailRepository) Get(ctx context.Context, id int64) (*model.Email, error) {
	e, err := scanEmail(r.db.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "email", id)
	}
	return e, nil
}

// MarkSent records the provider identifiers of a delivered message.
func (r *EmailRepository) MarkSent(ctx context.Context, id int64, messageID, threadID string, sentAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE emails
		SET status = 'sent', provider_message_id = $2, provider_thread_id = $3,
		    sent_at = $4, last_error = '', claimed_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, messageID, threadID, sentAt)
	if err != nil {
		return fmt.Errorf("failed to mark email %d sent: %w", id, err)
	}
	return nil
}

// Claim takes the delivery claim on a queued message until the given time.
// It returns false while another worker holds an unexpired claim.
func (r *EmailRepository) Claim(ctx context.Context, id int64, now, until time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE emails
		SET claimed_until = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		  AND (claimed_until IS NULL OR claimed_until <= $2)
	`, id, now, until)
	if err != nil {
		return false, fmt.Errorf("failed to claim email %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFailure bumps retry_count, releases the delivery claim and returns
// the new attempt count.
func (r *EmailRepository) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE emails
		SET retry_count = retry_count + 1, last_error = $2, claimed_until = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id, reason).Scan(&attempts)
	if err != nil {
		return 0, notFound(err, "email", id)
	}
	return attempts, nil
}

// ListRecentSent returns messages delivered from a mailbox since the cutoff.
func (r *EmailRepository) ListRecentSent(ctx context.Context, mailboxID int64, since time.Time) ([]model.Email, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+emailColumns+`
		FROM emails
		WHERE mailbox_id = $1
		  AND sent_at >= $2
		  AND provider_message_id <> ''
		ORDER BY sent_at DESC
	`, mailboxID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent emails: %w", err)
	}
	defer rows.Close()

	var out []model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// EnqueueDelivery emits an email-deliver job through the outbox.
func (r *EmailRepository) EnqueueDelivery(ctx context.Context, emailID int64) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return outbox.InsertEventInTx(ctx, tx, r.outbox, "email", &emailID,
			mqcontracts.RoutingKeyEmailDeliver,
			mqcontracts.EmailDeliverPayload{OutboundMessageID: emailID},
		)
	})
}
