package budget

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSubAccount(ctx context.Context, id int64) (SubAccount, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context, projectID int64) ([]Account, error)
	ListSubAccounts(ctx context.Context, projectID int64) ([]SubAccount, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateAccount(ctx context.Context, a Account) (int64, error)
	CreateSubAccount(ctx context.Context, s SubAccount) (int64, error)
	DeleteAccount(ctx context.Context, id int64) error
	DeleteSubAccount(ctx context.Context, id int64) error
	CountSubAccounts(ctx context.Context, accountID int64) (int, error)
	CountSubAccountReferences(ctx context.Context, subAccountID int64) (int, error)
	LockSubAccount(ctx context.Context, id int64) (SubAccount, error)
	UpdateFigures(ctx context.Context, id int64, committed, actual float64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// GetSubAccount fetches a subaccount by ID.
func (r *Repository) GetSubAccount(ctx context.Context, id int64) (SubAccount, error) {
	return scanSubAccount(r.pool.QueryRow(ctx, `SELECT id, account_id, project_id, code, name, budgeted, committed, actual
FROM subaccounts WHERE id=$1`, id))
}

// GetAccount fetches an account by ID.
func (r *Repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	var a Account
	err := r.pool.QueryRow(ctx, `SELECT id, project_id, code, name FROM accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.ProjectID, &a.Code, &a.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

// ListAccounts returns all accounts of a project.
func (r *Repository) ListAccounts(ctx context.Context, projectID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, project_id, code, name FROM accounts
WHERE project_id=$1 ORDER BY code`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Code, &a.Name); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListSubAccounts returns all subaccounts of a project.
func (r *Repository) ListSubAccounts(ctx context.Context, projectID int64) ([]SubAccount, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, account_id, project_id, code, name, budgeted, committed, actual
FROM subaccounts WHERE project_id=$1 ORDER BY code`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []SubAccount
	for rows.Next() {
		var s SubAccount
		if err := rows.Scan(&s.ID, &s.AccountID, &s.ProjectID, &s.Code, &s.Name, &s.Budgeted, &s.Committed, &s.Actual); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (t *txRepo) CreateAccount(ctx context.Context, a Account) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO accounts (project_id, code, name) VALUES ($1, $2, $3) RETURNING id`,
		a.ProjectID, a.Code, a.Name).Scan(&id)
	return id, err
}

func (t *txRepo) CreateSubAccount(ctx context.Context, s SubAccount) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO subaccounts (account_id, project_id, code, name, budgeted, committed, actual)
VALUES ($1, $2, $3, $4, $5, 0, 0) RETURNING id`,
		s.AccountID, s.ProjectID, s.Code, s.Name, s.Budgeted).Scan(&id)
	return id, err
}

func (t *txRepo) DeleteAccount(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	return err
}

func (t *txRepo) DeleteSubAccount(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM subaccounts WHERE id=$1`, id)
	return err
}

func (t *txRepo) CountSubAccounts(ctx context.Context, accountID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM subaccounts WHERE account_id=$1`, accountID).Scan(&count)
	return count, err
}

func (t *txRepo) CountSubAccountReferences(ctx context.Context, subAccountID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT
  (SELECT COUNT(*) FROM pos WHERE subaccount_id=$1) +
  (SELECT COUNT(*) FROM invoices WHERE subaccount_id=$1)`, subAccountID).Scan(&count)
	return count, err
}

func (t *txRepo) LockSubAccount(ctx context.Context, id int64) (SubAccount, error) {
	return scanSubAccount(t.tx.QueryRow(ctx, `SELECT id, account_id, project_id, code, name, budgeted, committed, actual
FROM subaccounts WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepo) UpdateFigures(ctx context.Context, id int64, committed, actual float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE subaccounts SET committed=$1, actual=$2 WHERE id=$3`, committed, actual, id)
	return err
}

func scanSubAccount(row pgx.Row) (SubAccount, error) {
	var s SubAccount
	err := row.Scan(&s.ID, &s.AccountID, &s.ProjectID, &s.Code, &s.Name, &s.Budgeted, &s.Committed, &s.Actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SubAccount{}, ErrNotFound
		}
		return SubAccount{}, err
	}
	return s, nil
}
