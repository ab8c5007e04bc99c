package payments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetForecast(ctx context.Context, id int64) (Forecast, error)
	GetItem(ctx context.Context, id int64) (Item, error)
	ListByProject(ctx context.Context, projectID int64) ([]Forecast, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreateForecast(ctx context.Context, f Forecast) (int64, error)
	CreateItem(ctx context.Context, item Item) (int64, error)
	CompleteItem(ctx context.Context, id int64, partialAmount float64, receiptRef string) error
	CountPendingItems(ctx context.Context, forecastID int64) (int, error)
	CompleteForecast(ctx context.Context, id int64) error
}

// Repository provides PostgreSQL backed persistence for forecasts.
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

// GetForecast fetches a forecast with its items.
func (r *Repository) GetForecast(ctx context.Context, id int64) (Forecast, error) {
	var f Forecast
	err := r.pool.QueryRow(ctx, `SELECT id, reference, project_id, title, scheduled_for, status, created_by, created_at
FROM payment_forecasts WHERE id=$1`, id).
		Scan(&f.ID, &f.Reference, &f.ProjectID, &f.Title, &f.ScheduledFor, &f.Status, &f.CreatedBy, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Forecast{}, ErrNotFound
		}
		return Forecast{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, forecast_id, invoice_id, payee, amount, partial_amount, receipt_ref, status
FROM payment_items WHERE forecast_id=$1 ORDER BY id`, id)
	if err != nil {
		return Forecast{}, err
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return Forecast{}, err
		}
		f.Items = append(f.Items, item)
	}
	return f, rows.Err()
}

// GetItem fetches a single payment item.
func (r *Repository) GetItem(ctx context.Context, id int64) (Item, error) {
	item, err := scanItem(r.pool.QueryRow(ctx, `SELECT id, forecast_id, invoice_id, payee, amount, partial_amount, receipt_ref, status
FROM payment_items WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

// ListByProject returns the project's forecasts without items.
func (r *Repository) ListByProject(ctx context.Context, projectID int64) ([]Forecast, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, reference, project_id, title, scheduled_for, status, created_by, created_at
FROM payment_forecasts WHERE project_id=$1 ORDER BY scheduled_for DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var forecasts []Forecast
	for rows.Next() {
		var f Forecast
		if err := rows.Scan(&f.ID, &f.Reference, &f.ProjectID, &f.Title, &f.ScheduledFor, &f.Status, &f.CreatedBy, &f.CreatedAt); err != nil {
			return nil, err
		}
		forecasts = append(forecasts, f)
	}
	return forecasts, rows.Err()
}

func (t *txRepo) CreateForecast(ctx context.Context, f Forecast) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO payment_forecasts (reference, project_id, title, scheduled_for, status, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING id`,
		f.Reference, f.ProjectID, f.Title, f.ScheduledFor, f.Status, f.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) CreateItem(ctx context.Context, item Item) (int64, error) {
	var invoiceID any
	if item.InvoiceID != 0 {
		invoiceID = item.InvoiceID
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO payment_items (forecast_id, invoice_id, payee, amount, partial_amount, receipt_ref, status)
VALUES ($1, $2, $3, $4, 0, '', $5) RETURNING id`,
		item.ForecastID, invoiceID, item.Payee, item.Amount, item.Status).Scan(&id)
	return id, err
}

func (t *txRepo) CompleteItem(ctx context.Context, id int64, partialAmount float64, receiptRef string) error {
	_, err := t.tx.Exec(ctx, `UPDATE payment_items SET status=$1, partial_amount=$2, receipt_ref=$3 WHERE id=$4`,
		StatusCompleted, partialAmount, receiptRef, id)
	return err
}

func (t *txRepo) CountPendingItems(ctx context.Context, forecastID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM payment_items WHERE forecast_id=$1 AND status=$2`,
		forecastID, StatusPending).Scan(&count)
	return count, err
}

func (t *txRepo) CompleteForecast(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE payment_forecasts SET status=$1 WHERE id=$2`, StatusCompleted, id)
	return err
}

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	var invoiceID *int64
	err := row.Scan(&item.ID, &item.ForecastID, &invoiceID, &item.Payee, &item.Amount,
		&item.PartialAmount, &item.ReceiptRef, &item.Status)
	if err != nil {
		return Item{}, err
	}
	if invoiceID != nil {
		item.InvoiceID = *invoiceID
	}
	return item, nil
}
