package ap

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prodledger/prodledger/internal/approval"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListByProject(ctx context.Context, projectID int64) ([]Invoice, error)
	ListDuePending(ctx context.Context, before time.Time) ([]Invoice, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	CreateInvoice(ctx context.Context, inv Invoice) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	UpdateSteps(ctx context.Context, id int64, steps []approval.StepRuntime) error
	RecordPaid(ctx context.Context, id int64, paidAmount float64, status Status) error
	DeleteInvoice(ctx context.Context, id int64) error
}

// Repository provides PostgreSQL backed persistence for invoices.
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

const invoiceColumns = `id, project_id, number, po_id, supplier_id, subaccount_id, amount, paid_amount, due_date, status, steps, created_by, created_at`

// GetInvoice fetches an invoice by ID.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id))
}

// ListByProject returns the project's invoices, newest first.
func (r *Repository) ListByProject(ctx context.Context, projectID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE project_id=$1 ORDER BY number DESC`, projectID)
	if err != nil {
		return nil, err
	}
	return collectInvoices(rows)
}

// ListDuePending returns pending invoices whose due date has passed.
func (r *Repository) ListDuePending(ctx context.Context, before time.Time) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE status=$1 AND due_date < $2`, string(StatusPending), before)
	if err != nil {
		return nil, err
	}
	return collectInvoices(rows)
}

// GetInvoiceForUpdate locks the row for the rest of the transaction.
func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepo) CreateInvoice(ctx context.Context, inv Invoice) (int64, error) {
	stepsJSON, err := json.Marshal(inv.Steps)
	if err != nil {
		return 0, err
	}
	var poID any
	if inv.POID != 0 {
		poID = inv.POID
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO invoices
(project_id, number, po_id, supplier_id, subaccount_id, amount, paid_amount, due_date, status, steps, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, NOW()) RETURNING id`,
		inv.ProjectID, inv.Number, poID, inv.SupplierID, inv.SubAccountID, inv.Amount,
		inv.DueDate, string(inv.Status), stepsJSON, inv.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET status=$1 WHERE id=$2`, string(status), id)
	return err
}

func (t *txRepo) UpdateSteps(ctx context.Context, id int64, steps []approval.StepRuntime) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE invoices SET steps=$1 WHERE id=$2`, stepsJSON, id)
	return err
}

func (t *txRepo) RecordPaid(ctx context.Context, id int64, paidAmount float64, status Status) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET paid_amount=$1, status=$2 WHERE id=$3`, paidAmount, string(status), id)
	return err
}

func (t *txRepo) DeleteInvoice(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM invoices WHERE id=$1`, id)
	return err
}

func collectInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var stepsJSON []byte
	var poID *int64
	err := row.Scan(&inv.ID, &inv.ProjectID, &inv.Number, &poID, &inv.SupplierID, &inv.SubAccountID,
		&inv.Amount, &inv.PaidAmount, &inv.DueDate, &inv.Status, &stepsJSON, &inv.CreatedBy, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, err
	}
	if poID != nil {
		inv.POID = *poID
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &inv.Steps); err != nil {
			return Invoice{}, err
		}
	}
	return inv, nil
}
