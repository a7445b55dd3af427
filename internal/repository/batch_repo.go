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

type BatchRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewBatchRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *BatchRepository {
	return &BatchRepository{db: db, outbox: outboxRepo}
}

func (r *BatchRepository) Get(ctx context.Context, id int64) (*model.ListBatch, error) {
	var b model.ListBatch
	err := r.db.QueryRow(ctx, `
		SELECT id, owner_id, status, total_count, valid_count, invalid_count, risky_count,
		       unknown_count, skipped_count, error, verified_at, created_at, updated_at
		FROM list_batches
		WHERE id = $1
	`, id).Scan(
		&b.ID,
		&b.OwnerID,
		&b.Status,
		&b.Counts.Total,
		&b.Counts.Valid,
		&b.Counts.Invalid,
		&b.Counts.Risky,
		&b.Counts.Unknown,
		&b.Counts.Skipped,
		&b.Error,
		&b.VerifiedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "batch", id)
	}
	return &b, nil
}

// Members returns the distinct normalized addresses of a batch.
func (r *BatchRepository) Members(ctx context.Context, id int64) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT lower(trim(address)) FROM list_batch_members WHERE batch_id = $1 ORDER BY 1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan batch member: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *BatchRepository) MarkVerifying(ctx context.Context, id int64, total int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE list_batches SET status = 'verifying', total_count = $2, error = '', updated_at = NOW()
		WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("failed to mark batch %d verifying: %w", id, err)
	}
	return nil
}

// Finish writes aggregate counts and the final batch status.
func (r *BatchRepository) Finish(ctx context.Context, id int64, status model.BatchStatus, counts model.BatchCounts, errMsg string, at time.Time) error {
	var verifiedAt *time.Time
	if status == model.BatchVerified {
		verifiedAt = &at
	}
	_, err := r.db.Exec(ctx, `
		UPDATE list_batches
		SET status = $2, total_count = $3, valid_count = $4, invalid_count = $5, risky_count = $6,
		    unknown_count = $7, skipped_count = $8, error = $9,
		    verified_at = COALESCE($10, verified_at), updated_at = NOW()
		WHERE id = $1
	`, id, status, counts.Total, counts.Valid, counts.Invalid, counts.Risky, counts.Unknown, counts.Skipped, errMsg, verifiedAt)
	if err != nil {
		return fmt.Errorf("failed to finish batch %d: %w", id, err)
	}
	return nil
}

// RequestVerification resets the batch to pending and emits a verify-batch job
// in the same transaction. It reports false when the batch is already verifying.
func (r *BatchRepository) RequestVerification(ctx context.Context, id int64) (bool, error) {
	queued := false
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var status model.BatchStatus
		err := tx.QueryRow(ctx, `SELECT status FROM list_batches WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return notFound(err, "batch", id)
		}
		if status == model.BatchVerifying {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE list_batches SET status = 'pending', error = '', updated_at = NOW()
			WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("failed to reset batch %d: %w", id, err)
		}
		if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "list_batch", &id,
			mqcontracts.RoutingKeyVerifyBatch,
			mqcontracts.VerifyBatchPayload{BatchID: id},
		); err != nil {
			return err
		}
		queued = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return queued, nil
}
