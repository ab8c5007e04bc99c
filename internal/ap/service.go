package ap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prodledger/prodledger/internal/approval"
	"github.com/prodledger/prodledger/internal/members"
	"github.com/prodledger/prodledger/internal/procurement"
	"github.com/prodledger/prodledger/internal/sequence"
	"github.com/prodledger/prodledger/internal/shared"
)

// SequencePort issues and reclaims document numbers.
type SequencePort interface {
	Next(ctx context.Context, projectID int64, kind sequence.Kind) (int64, error)
	Reclaim(ctx context.Context, projectID int64, kind sequence.Kind, number int64) (bool, error)
}

// POPort links invoices back to their purchase order.
type POPort interface {
	Get(ctx context.Context, poID int64) (procurement.PurchaseOrder, error)
	AddInvoicedAmount(ctx context.Context, poID int64, delta float64) error
}

// DirectoryPort returns the current project roster.
type DirectoryPort interface {
	ProjectMembers(ctx context.Context, projectID int64) ([]members.Member, error)
}

// ConfigPort loads the approval step configuration.
type ConfigPort interface {
	StepConfig(ctx context.Context, projectID int64, docKind string) ([]approval.StepConfig, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the invoice lifecycle.
type Service struct {
	repo      RepositoryPort
	seq       SequencePort
	pos       POPort
	directory DirectoryPort
	config    ConfigPort
	audit     AuditPort
	logger    *slog.Logger
}

// NewService constructs the invoice service.
func NewService(repo RepositoryPort, seq SequencePort, pos POPort, directory DirectoryPort, config ConfigPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, seq: seq, pos: pos, directory: directory, config: config, audit: audit, logger: logger}
}

// CreateInvoiceInput describes creation payload. SubAccountID may be zero
// for a PO-linked invoice, in which case the PO's subaccount applies.
type CreateInvoiceInput struct {
	ProjectID    int64
	POID         int64
	SupplierID   int64
	SubAccountID int64
	Amount       float64
	DueDate      time.Time
	CreatedBy    int64
}

// CreateResult reports the created invoice plus any stalled approval steps.
type CreateResult struct {
	Invoice Invoice
	Stalled []int
}

// DecideResult reports one decision's effect.
type DecideResult struct {
	Invoice   Invoice
	Outcome   approval.Outcome
	StepOrder int
}

// Create registers an invoice and puts it straight into approval; invoices
// have no draft stage. A PO-linked invoice must reference an approved PO
// and accumulates onto its invoicedAmount immediately, so the PO cannot be
// cancelled out from under it.
func (s *Service) Create(ctx context.Context, input CreateInvoiceInput) (CreateResult, error) {
	if input.ProjectID == 0 || input.CreatedBy == 0 || input.Amount <= 0 || input.DueDate.IsZero() {
		return CreateResult{}, ErrValidation
	}
	inv := Invoice{
		ProjectID:    input.ProjectID,
		POID:         input.POID,
		SupplierID:   input.SupplierID,
		SubAccountID: input.SubAccountID,
		Amount:       round2(input.Amount),
		DueDate:      input.DueDate,
		CreatedBy:    input.CreatedBy,
	}
	if input.POID != 0 {
		po, err := s.pos.Get(ctx, input.POID)
		if err != nil {
			return CreateResult{}, fmt.Errorf("ap: purchase order lookup: %w", err)
		}
		if po.Status != procurement.StatusApproved {
			return CreateResult{}, fmt.Errorf("%w: purchase order is not approved", ErrInvalidState)
		}
		if inv.SubAccountID == 0 {
			inv.SubAccountID = po.SubAccountID
		}
		if inv.SupplierID == 0 {
			inv.SupplierID = po.SupplierID
		}
	}
	if inv.SubAccountID == 0 {
		return CreateResult{}, ErrValidation
	}

	cfg, err := s.config.StepConfig(ctx, inv.ProjectID, approval.DocKindInvoice)
	if err != nil {
		return CreateResult{}, err
	}
	inv.Steps = approval.Snapshot(cfg)
	inv.Status = StatusPendingApproval
	if len(inv.Steps) == 0 {
		inv.Status = StatusPending
	}

	number, err := s.seq.Next(ctx, inv.ProjectID, sequence.KindInvoice)
	if err != nil {
		return CreateResult{}, err
	}
	inv.Number = number

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateInvoice(ctx, inv)
		if err != nil {
			return err
		}
		inv.ID = id
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	if inv.POID != 0 {
		if err := s.pos.AddInvoicedAmount(ctx, inv.POID, inv.Amount); err != nil {
			return CreateResult{}, err
		}
	}

	result := CreateResult{Invoice: inv}
	if inv.Status == StatusPendingApproval {
		roster, err := s.directory.ProjectMembers(ctx, inv.ProjectID)
		if err != nil {
			return CreateResult{}, err
		}
		result.Stalled = approval.StalledSteps(inv.Steps, inv.CreatedBy, roster)
	}
	s.recordAudit(ctx, input.CreatedBy, "INVOICE_CREATE", inv.ID, map[string]any{
		"number": inv.Number, "amount": shared.FormatAmount(inv.Amount), "po_id": inv.POID,
	})
	return result, nil
}

// Decide records one approval decision. Load, evaluation and write-back
// share one transaction holding the row lock, so concurrent decisions
// serialize instead of overwriting each other. Approval moves the invoice
// to PENDING (awaiting payment); rejection is terminal and hands the amount
// back to the linked PO.
func (s *Service) Decide(ctx context.Context, invoiceID, actorID int64, decision approval.Decision, note string) (DecideResult, error) {
	var (
		inv Invoice
		res approval.ApplyResult
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != StatusPendingApproval {
			return ErrInvalidState
		}
		roster, err := s.directory.ProjectMembers(ctx, inv.ProjectID)
		if err != nil {
			return err
		}
		res, err = approval.Apply(inv.Steps, inv.CreatedBy, roster, actorID, decision)
		if err != nil {
			return err
		}
		return s.persistOutcome(ctx, tx, &inv, res.Outcome)
	})
	if err != nil {
		return DecideResult{}, err
	}
	if res.Outcome == approval.OutcomeRejected {
		if err := s.releaseBacklink(ctx, inv); err != nil {
			return DecideResult{}, err
		}
	}
	s.recordAudit(ctx, actorID, "INVOICE_DECISION", inv.ID, map[string]any{
		"number": inv.Number, "step": res.StepOrder, "outcome": string(res.Outcome), "note": note,
	})
	return DecideResult{Invoice: inv, Outcome: res.Outcome, StepOrder: res.StepOrder}, nil
}

// Refresh re-evaluates a pending approval against the current roster.
func (s *Service) Refresh(ctx context.Context, invoiceID int64) (DecideResult, error) {
	var (
		inv     Invoice
		outcome approval.Outcome
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != StatusPendingApproval {
			outcome = approval.WorkflowOutcome(inv.Steps)
			return nil
		}
		roster, err := s.directory.ProjectMembers(ctx, inv.ProjectID)
		if err != nil {
			return err
		}
		outcome = approval.Reevaluate(inv.Steps, inv.CreatedBy, roster)
		return s.persistOutcome(ctx, tx, &inv, outcome)
	})
	if err != nil {
		return DecideResult{}, err
	}
	return DecideResult{Invoice: inv, Outcome: outcome}, nil
}

// persistOutcome writes the mutated steps and, on a terminal outcome, the
// status, inside the caller's transaction.
func (s *Service) persistOutcome(ctx context.Context, tx TxRepository, inv *Invoice, outcome approval.Outcome) error {
	if err := tx.UpdateSteps(ctx, inv.ID, inv.Steps); err != nil {
		return err
	}
	status := inv.Status
	switch outcome {
	case approval.OutcomeApproved:
		status = StatusPending
	case approval.OutcomeRejected:
		status = StatusRejected
	}
	if status != inv.Status {
		if err := tx.UpdateStatus(ctx, inv.ID, status); err != nil {
			return err
		}
		inv.Status = status
	}
	return nil
}

// RecordPayment applies a cumulative payment. The invoice settles as paid
// once total payments cover the amount within the settlement tolerance,
// otherwise it reads partial_paid with the remainder outstanding.
func (s *Service) RecordPayment(ctx context.Context, invoiceID int64, amount float64) (Invoice, error) {
	if amount <= 0 {
		return Invoice{}, ErrValidation
	}
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status != StatusPending && inv.Status != StatusPartialPaid {
			return ErrInvalidState
		}
		inv.PaidAmount = round2(inv.PaidAmount + amount)
		status := StatusPartialPaid
		if inv.Settled() {
			status = StatusPaid
		}
		if err := tx.RecordPaid(ctx, inv.ID, inv.PaidAmount, status); err != nil {
			return err
		}
		inv.Status = status
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice payment recorded",
		slog.Int64("invoice_id", inv.ID),
		slog.String("paid", shared.FormatAmount(inv.PaidAmount)),
		slog.String("status", string(inv.Status)))
	return inv, nil
}

// Cancel voids an unpaid invoice and hands its amount back to the PO.
func (s *Service) Cancel(ctx context.Context, invoiceID, actorID int64) error {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.Status != StatusPendingApproval && inv.Status != StatusPending {
		return ErrInvalidState
	}
	if inv.PaidAmount != 0 {
		return ErrHasPayments
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, inv.ID, StatusCancelled)
	})
	if err != nil {
		return err
	}
	if err := s.releaseBacklink(ctx, inv); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "INVOICE_CANCEL", inv.ID, map[string]any{"number": inv.Number})
	return nil
}

// Delete removes an unpaid invoice and reclaims its number when it is
// still the latest issued.
func (s *Service) Delete(ctx context.Context, invoiceID, actorID int64) error {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.PaidAmount != 0 {
		return ErrHasPayments
	}
	// Rejected and cancelled invoices released their PO backlink already.
	if inv.Status != StatusRejected && inv.Status != StatusCancelled {
		if err := s.releaseBacklink(ctx, inv); err != nil {
			return err
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteInvoice(ctx, inv.ID)
	})
	if err != nil {
		return err
	}
	reclaimed, err := s.seq.Reclaim(ctx, inv.ProjectID, sequence.KindInvoice, inv.Number)
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "INVOICE_DELETE", inv.ID, map[string]any{"number": inv.Number, "number_reclaimed": reclaimed})
	return nil
}

func (s *Service) releaseBacklink(ctx context.Context, inv Invoice) error {
	if inv.POID == 0 {
		return nil
	}
	return s.pos.AddInvoicedAmount(ctx, inv.POID, -inv.Amount)
}

// Get returns an invoice.
func (s *Service) Get(ctx context.Context, invoiceID int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, invoiceID)
}

// ListByProject returns the project's invoices.
func (s *Service) ListByProject(ctx context.Context, projectID int64) ([]Invoice, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// ListDuePending returns pending invoices past due at the given instant.
func (s *Service) ListDuePending(ctx context.Context, now time.Time) ([]Invoice, error) {
	return s.repo.ListDuePending(ctx, now)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "invoice", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
