package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prodledger/prodledger/internal/ap"
	"github.com/prodledger/prodledger/internal/procurement"
	"github.com/prodledger/prodledger/internal/shared"
)

// InvoicePort connects the reconciler to the invoice lifecycle.
type InvoicePort interface {
	Get(ctx context.Context, invoiceID int64) (ap.Invoice, error)
	RecordPayment(ctx context.Context, invoiceID int64, amount float64) (ap.Invoice, error)
}

// POPort checks the originating purchase order of an invoice.
type POPort interface {
	Get(ctx context.Context, poID int64) (procurement.PurchaseOrder, error)
}

// LedgerPort posts realized spend. RealizeCommitted pairs the realize with
// an equal release so committed does not double-count with actual.
type LedgerPort interface {
	Realize(ctx context.Context, subAccountID int64, amount float64) error
	RealizeCommitted(ctx context.Context, subAccountID int64, amount float64) error
}

// CommitGuard keeps the invoice and ledger postings idempotent when a
// payment is retried after a partial failure.
type CommitGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service reconciles payments against invoices and the budget ledger.
type Service struct {
	repo     RepositoryPort
	invoices InvoicePort
	pos      POPort
	ledger   LedgerPort
	guard    CommitGuard
	audit    AuditPort
	logger   *slog.Logger
}

// NewService constructs the payment service.
func NewService(repo RepositoryPort, invoices InvoicePort, pos POPort, ledger LedgerPort, guard CommitGuard, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, invoices: invoices, pos: pos, ledger: ledger, guard: guard, audit: audit, logger: logger}
}

// ItemInput is one scheduled payment in a new forecast.
type ItemInput struct {
	InvoiceID int64
	Payee     string
	Amount    float64
}

// CreateForecastInput describes a forecast with its items.
type CreateForecastInput struct {
	ProjectID    int64
	Title        string
	ScheduledFor time.Time
	Items        []ItemInput
	CreatedBy    int64
}

// CreateForecast registers a forecast and its items. Invoice items must
// reference existing payable invoices.
func (s *Service) CreateForecast(ctx context.Context, input CreateForecastInput) (Forecast, error) {
	if input.ProjectID == 0 || input.CreatedBy == 0 || len(input.Items) == 0 || input.ScheduledFor.IsZero() {
		return Forecast{}, ErrValidation
	}
	for _, item := range input.Items {
		if item.Amount <= 0 {
			return Forecast{}, ErrValidation
		}
		if item.InvoiceID == 0 && item.Payee == "" {
			return Forecast{}, fmt.Errorf("%w: item needs an invoice or a payee", ErrValidation)
		}
		if item.InvoiceID != 0 {
			if _, err := s.invoices.Get(ctx, item.InvoiceID); err != nil {
				return Forecast{}, fmt.Errorf("payments: invoice lookup: %w", err)
			}
		}
	}
	forecast := Forecast{
		Reference:    uuid.NewString(),
		ProjectID:    input.ProjectID,
		Title:        input.Title,
		ScheduledFor: input.ScheduledFor,
		Status:       StatusPending,
		CreatedBy:    input.CreatedBy,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateForecast(ctx, forecast)
		if err != nil {
			return err
		}
		forecast.ID = id
		for _, in := range input.Items {
			item := Item{ForecastID: id, InvoiceID: in.InvoiceID, Payee: in.Payee, Amount: in.Amount, Status: StatusPending}
			itemID, err := tx.CreateItem(ctx, item)
			if err != nil {
				return err
			}
			item.ID = itemID
			forecast.Items = append(forecast.Items, item)
		}
		return nil
	})
	if err != nil {
		return Forecast{}, err
	}
	return forecast, nil
}

// Pay settles one forecast item. The receipt reference is a hard
// precondition. Invoice items post onto the invoice and the ledger: spend
// descending from an approved PO converts committed into actual, anything
// else realizes directly. Callers serialize concurrent payments per item.
func (s *Service) Pay(ctx context.Context, itemID int64, amountPaid float64, receiptRef string, actorID int64) (Item, error) {
	if receiptRef == "" {
		return Item{}, ErrReceiptRequired
	}
	if amountPaid <= 0 {
		return Item{}, ErrValidation
	}
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	if item.Status == StatusCompleted {
		return Item{}, ErrItemCompleted
	}
	if amountPaid > item.Amount {
		return Item{}, fmt.Errorf("%w: paid amount exceeds item amount", ErrValidation)
	}

	if item.InvoiceID != 0 {
		if err := s.settleInvoice(ctx, item, amountPaid); err != nil {
			return Item{}, err
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.CompleteItem(ctx, item.ID, amountPaid, receiptRef); err != nil {
			return err
		}
		pending, err := tx.CountPendingItems(ctx, item.ForecastID)
		if err != nil {
			return err
		}
		if pending == 0 {
			return tx.CompleteForecast(ctx, item.ForecastID)
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	item.Status = StatusCompleted
	item.PartialAmount = amountPaid
	item.ReceiptRef = receiptRef
	s.recordAudit(ctx, actorID, "PAYMENT", item.ID, map[string]any{
		"invoice_id": item.InvoiceID,
		"amount":     shared.FormatAmount(amountPaid),
		"receipt":    receiptRef,
	})
	return item, nil
}

// settleInvoice records the payment on the invoice and posts it to the
// ledger. Each effect is keyed on the item id, so a Pay retried after a
// failed item completion skips whatever already landed instead of
// re-recording the payment or double-posting the ledger.
func (s *Service) settleInvoice(ctx context.Context, item Item, amount float64) error {
	inv, err := s.recordOnInvoice(ctx, item, amount)
	if err != nil {
		return err
	}
	postKey := fmt.Sprintf("LEDGER_POST:%d", item.ID)
	if s.guard != nil {
		err := s.guard.CheckAndInsert(ctx, postKey, "payments.item")
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	if err := s.postLedger(ctx, inv, amount); err != nil {
		if s.guard != nil {
			_ = s.guard.Delete(ctx, postKey)
		}
		return err
	}
	return nil
}

func (s *Service) recordOnInvoice(ctx context.Context, item Item, amount float64) (ap.Invoice, error) {
	key := fmt.Sprintf("INVOICE_PAY:%d", item.ID)
	if s.guard != nil {
		err := s.guard.CheckAndInsert(ctx, key, "payments.item")
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			// An earlier attempt of this item already recorded the payment.
			return s.invoices.Get(ctx, item.InvoiceID)
		}
		if err != nil {
			return ap.Invoice{}, err
		}
	}
	inv, err := s.invoices.RecordPayment(ctx, item.InvoiceID, amount)
	if err != nil {
		if s.guard != nil {
			_ = s.guard.Delete(ctx, key)
		}
		return ap.Invoice{}, err
	}
	return inv, nil
}

func (s *Service) postLedger(ctx context.Context, inv ap.Invoice, amount float64) error {
	if inv.POID != 0 {
		po, err := s.pos.Get(ctx, inv.POID)
		if err != nil {
			return err
		}
		if po.Status == procurement.StatusApproved || po.Status == procurement.StatusClosed {
			return s.ledger.RealizeCommitted(ctx, inv.SubAccountID, amount)
		}
	}
	return s.ledger.Realize(ctx, inv.SubAccountID, amount)
}

// Get returns a forecast with its items.
func (s *Service) Get(ctx context.Context, forecastID int64) (Forecast, error) {
	return s.repo.GetForecast(ctx, forecastID)
}

// ListByProject returns the project's forecasts.
func (s *Service) ListByProject(ctx context.Context, projectID int64) ([]Forecast, error) {
	return s.repo.ListByProject(ctx, projectID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "payment_item", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}
