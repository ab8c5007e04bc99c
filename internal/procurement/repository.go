package procurement

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodledger/prodledger/internal/approval"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	ListByProject(ctx context.Context, projectID int64) ([]PurchaseOrder, error)
	CountInvoices(ctx context.Context, poID int64) (int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	UpdateSteps(ctx context.Context, id int64, steps []approval.StepRuntime) error
	AddInvoicedAmount(ctx context.Context, id int64, delta float64) error
	DeletePO(ctx context.Context, id int64) error
}

// Repository provides PostgreSQL backed persistence. The approval snapshot
// is embedded in the row as JSONB so step state and status move in one
// transactional write.
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

const poColumns = `id, project_id, number, supplier_id, subaccount_id, amount, status, steps, invoiced_amount, created_by, description, created_at`

// GetPO fetches a purchase order by ID.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	return scanPO(r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM pos WHERE id=$1`, id))
}

// ListByProject returns the project's purchase orders, newest first.
func (r *Repository) ListByProject(ctx context.Context, projectID int64) ([]PurchaseOrder, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM pos WHERE project_id=$1 ORDER BY number DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pos []PurchaseOrder
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		pos = append(pos, po)
	}
	return pos, rows.Err()
}

// CountInvoices returns the number of invoices linked to the PO.
func (r *Repository) CountInvoices(ctx context.Context, poID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE po_id=$1`, poID).Scan(&count)
	return count, err
}

// GetPOForUpdate locks the row for the rest of the transaction, so the
// steps and status read here cannot change under the caller before it
// writes them back.
func (t *txRepo) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return scanPO(t.tx.QueryRow(ctx, `SELECT `+poColumns+` FROM pos WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	stepsJSON, err := json.Marshal(po.Steps)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO pos
(project_id, number, supplier_id, subaccount_id, amount, status, steps, invoiced_amount, created_by, description, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, NOW()) RETURNING id`,
		po.ProjectID, po.Number, po.SupplierID, po.SubAccountID, po.Amount, string(po.Status),
		stepsJSON, po.CreatedBy, po.Description).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE pos SET status=$1 WHERE id=$2`, string(status), id)
	return err
}

func (t *txRepo) UpdateSteps(ctx context.Context, id int64, steps []approval.StepRuntime) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE pos SET steps=$1 WHERE id=$2`, stepsJSON, id)
	return err
}

func (t *txRepo) AddInvoicedAmount(ctx context.Context, id int64, delta float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE pos SET invoiced_amount = invoiced_amount + $1 WHERE id=$2`, delta, id)
	return err
}

func (t *txRepo) DeletePO(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM pos WHERE id=$1`, id)
	return err
}

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	var stepsJSON []byte
	err := row.Scan(&po.ID, &po.ProjectID, &po.Number, &po.SupplierID, &po.SubAccountID, &po.Amount,
		&po.Status, &stepsJSON, &po.InvoicedAmount, &po.CreatedBy, &po.Description, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &po.Steps); err != nil {
			return PurchaseOrder{}, err
		}
	}
	return po, nil
}
