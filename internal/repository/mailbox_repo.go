package repository

import (
	"context"
	"fmt"
	"time"

	"ezoutreach/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MailboxRepository struct {
	db *pgxpool.Pool
}

func NewMailboxRepository(db *pgxpool.Pool) *MailboxRepository {
	return &MailboxRepository{db: db}
}

const mailboxColumns = `id, owner_id, address, sender_type, status, config, last_polled_at, created_at, updated_at`

func scanMailbox(row pgx.Row) (*model.Mailbox, error) {
	var m model.Mailbox
	if err := row.Scan(&m.ID, &m.OwnerID, &m.Address, &m.SenderType, &m.Status, &m.Config, &m.LastPolledAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MailboxRepository) Get(ctx context.Context, id int64) (*model.Mailbox, error) {
	m, err := scanMailbox(r.db.QueryRow(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "mailbox", id)
	}
	return m, nil
}

func (r *MailboxRepository) ListVerified(ctx context.Context) ([]model.Mailbox, error) {
	rows, err := r.db.Query(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE status = 'verified' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []model.Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *MailboxRepository) TouchPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE mailboxes SET last_polled_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch mailbox %d: %w", id, err)
	}
	return nil
}
