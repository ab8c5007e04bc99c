// Package jobs defines the background tasks processed by the worker.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/prodledger/prodledger/internal/ap"
	"github.com/prodledger/prodledger/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypePaymentDueScan scans for pending invoices past their due date.
	TaskTypePaymentDueScan = "payment:due_scan"
	// TaskTypePaymentReminder flags one overdue invoice.
	TaskTypePaymentReminder = "payment:reminder"
	// TaskTypeIdempotencyCleanup prunes aged idempotency keys.
	TaskTypeIdempotencyCleanup = "idempotency:cleanup"
)

// PaymentReminderPayload identifies one overdue invoice.
type PaymentReminderPayload struct {
	InvoiceID   int64     `json:"invoiceId"`
	ProjectID   int64     `json:"projectId"`
	Number      int64     `json:"number"`
	Outstanding float64   `json:"outstanding"`
	DueDate     time.Time `json:"dueDate"`
}

// NewPaymentReminderTask constructs an Asynq task.
func NewPaymentReminderTask(payload PaymentReminderPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePaymentReminder, data), nil
}

// InvoiceSource lists invoices the due scan cares about.
type InvoiceSource interface {
	ListDuePending(ctx context.Context, now time.Time) ([]ap.Invoice, error)
}

// Enqueuer is the slice of the asynq client the scan needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// HandlePaymentDueScan enqueues a reminder per overdue invoice.
func HandlePaymentDueScan(invoices InvoiceSource, client Enqueuer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		overdue, err := invoices.ListDuePending(ctx, time.Now())
		if err != nil {
			return err
		}
		for _, inv := range overdue {
			task, err := NewPaymentReminderTask(PaymentReminderPayload{
				InvoiceID:   inv.ID,
				ProjectID:   inv.ProjectID,
				Number:      inv.Number,
				Outstanding: inv.Outstanding(),
				DueDate:     inv.DueDate,
			})
			if err != nil {
				return err
			}
			if _, err := client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault)); err != nil {
				return err
			}
		}
		logger.Info("payment due scan finished", slog.Int("overdue", len(overdue)))
		return nil
	}
}

// HandlePaymentReminder processes TaskTypePaymentReminder tasks.
// Notification transport lives outside this service; the reminder is
// recorded in the log only.
func HandlePaymentReminder(logger *slog.Logger) asynq.HandlerFunc {
	return func(_ context.Context, t *asynq.Task) error {
		var payload PaymentReminderPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		logger.Warn("invoice overdue",
			slog.Int64("invoice_id", payload.InvoiceID),
			slog.Int64("number", payload.Number),
			slog.String("outstanding", shared.FormatAmount(payload.Outstanding)),
			slog.Time("due_date", payload.DueDate))
		return nil
	}
}

// KeyStore is the slice of the idempotency store the cleanup needs.
type KeyStore interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// HandleIdempotencyCleanup prunes idempotency keys past retention.
func HandleIdempotencyCleanup(store KeyStore, retention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		pruned, err := store.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		logger.Info("idempotency cleanup finished", slog.Int64("pruned", pruned))
		return nil
	}
}
