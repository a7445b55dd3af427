package repository

import (
	"context"
	"fmt"

	"ezoutreach/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RegistryRepository persists the Global Email Registry keyed by normalized address.
type RegistryRepository struct {
	db *pgxpool.Pool
}

func NewRegistryRepository(db *pgxpool.Pool) *RegistryRepository {
	return &RegistryRepository{db: db}
}

const registryColumns = `address, status, score, reason, provider, verified_at, updated_at`

func scanVerification(row pgx.Row) (*model.Verification, error) {
	var v model.Verification
	if err := row.Scan(&v.Address, &v.Status, &v.Score, &v.Reason, &v.Provider, &v.VerifiedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *RegistryRepository) Get(ctx context.Context, address string) (*model.Verification, error) {
	address = model.NormalizeAddress(address)
	v, err := scanVerification(r.db.QueryRow(ctx, `SELECT `+registryColumns+` FROM email_registry WHERE address = $1`, address))
	if err != nil {
		return nil, notFound(err, "registry entry", address)
	}
	return v, nil
}

// GetMany returns entries for the given addresses keyed by normalized address.
// Missing addresses are absent from the map.
func (r *RegistryRepository) GetMany(ctx context.Context, addresses []string) (map[string]model.Verification, error) {
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = model.NormalizeAddress(a)
	}
	rows, err := r.db.Query(ctx, `SELECT `+registryColumns+` FROM email_registry WHERE address = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Verification, len(keys))
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registry entry: %w", err)
		}
		out[v.Address] = *v
	}
	return out, rows.Err()
}

// Upsert writes verdicts. An older verdict never replaces a newer one.
func (r *RegistryRepository) Upsert(ctx context.Context, verdicts []model.Verification) error {
	if len(verdicts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range verdicts {
		batch.Queue(`
			INSERT INTO email_registry (address, status, score, reason, provider, verified_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (address) DO UPDATE
			SET status = EXCLUDED.status,
			    score = EXCLUDED.score,
			    reason = EXCLUDED.reason,
			    provider = EXCLUDED.provider,
			    verified_at = EXCLUDED.verified_at,
			    updated_at = NOW()
			WHERE email_registry.verified_at IS NULL
			   OR EXCLUDED.verified_at IS NULL
			   OR EXCLUDED.verified_at >= email_registry.verified_at
		`, model.NormalizeAddress(v.Address), v.Status, v.Score, v.Reason, v.Provider, v.VerifiedAt)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert %d registry entries: %w", len(verdicts), err)
	}
	return nil
}

// MarkVerifying flags addresses as in-flight, creating rows as needed.
func (r *RegistryRepository) MarkVerifying(ctx context.Context, addresses []string) error {
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = model.NormalizeAddress(a)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO email_registry (address, status, updated_at)
		SELECT a, 'verifying', NOW() FROM UNNEST($1::text[]) AS a
		ON CONFLICT (address) DO UPDATE
		SET status = 'verifying', reason = '', updated_at = NOW()
	`, keys)
	if err != nil {
		return fmt.Errorf("failed to mark %d addresses verifying: %w", len(keys), err)
	}
	return nil
}
