package members

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed membership lookups.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ProjectMembers returns the current roster for a project. Approval routing
// calls this on every decision, so the result must never be cached.
func (r *Repository) ProjectMembers(ctx context.Context, projectID int64) ([]Member, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, project_id, name, role, department, position
FROM project_members WHERE project_id=$1 ORDER BY user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roster []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.ProjectID, &m.Name, &m.Role, &m.Department, &m.Position); err != nil {
			return nil, err
		}
		roster = append(roster, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roster, nil
}

// Get returns a single membership record.
func (r *Repository) Get(ctx context.Context, projectID, userID int64) (Member, error) {
	var m Member
	err := r.pool.QueryRow(ctx, `SELECT user_id, project_id, name, role, department, position
FROM project_members WHERE project_id=$1 AND user_id=$2`, projectID, userID).
		Scan(&m.UserID, &m.ProjectID, &m.Name, &m.Role, &m.Department, &m.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrNotFound
		}
		return Member{}, err
	}
	return m, nil
}

// Upsert inserts or replaces a membership record.
func (r *Repository) Upsert(ctx context.Context, m Member) error {
	if m.UserID == 0 || m.ProjectID == 0 {
		return ErrValidation
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO project_members (user_id, project_id, name, role, department, position)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (project_id, user_id)
DO UPDATE SET name=EXCLUDED.name, role=EXCLUDED.role, department=EXCLUDED.department, position=EXCLUDED.position`,
		m.UserID, m.ProjectID, m.Name, m.Role, m.Department, m.Position)
	return err
}

// Remove deletes a membership record.
func (r *Repository) Remove(ctx context.Context, projectID, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM project_members WHERE project_id=$1 AND user_id=$2`, projectID, userID)
	return err
}
