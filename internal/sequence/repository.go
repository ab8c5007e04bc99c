package sequence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort describes counter storage used by Service.
type RepositoryPort interface {
	Increment(ctx context.Context, projectID int64, kind Kind) (int64, error)
	DecrementIfLatest(ctx context.Context, projectID int64, kind Kind, number int64) (bool, error)
	Current(ctx context.Context, projectID int64, kind Kind) (int64, error)
}

// Repository provides PostgreSQL backed counters.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Increment bumps the counter and returns the new value. The upsert is a
// single statement so concurrent callers serialise on the row and can never
// observe the same number.
func (r *Repository) Increment(ctx context.Context, projectID int64, kind Kind) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `INSERT INTO counters (project_id, kind, count) VALUES ($1, $2, 1)
ON CONFLICT (project_id, kind) DO UPDATE SET count = counters.count + 1
RETURNING count`, projectID, string(kind)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DecrementIfLatest rolls the counter back only when number is still the last
// value issued. Returns false when the number was not the latest and the
// counter is left untouched.
func (r *Repository) DecrementIfLatest(ctx context.Context, projectID int64, kind Kind, number int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE counters SET count = count - 1
WHERE project_id=$1 AND kind=$2 AND count=$3`, projectID, string(kind), number)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Current returns the last number issued, zero when no counter exists yet.
func (r *Repository) Current(ctx context.Context, projectID int64, kind Kind) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT count FROM counters WHERE project_id=$1 AND kind=$2`,
		projectID, string(kind)).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}
