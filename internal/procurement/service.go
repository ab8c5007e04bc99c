package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/prodledger/prodledger/internal/approval"
	"github.com/prodledger/prodledger/internal/budget"
	"github.com/prodledger/prodledger/internal/members"
	"github.com/prodledger/prodledger/internal/sequence"
	"github.com/prodledger/prodledger/internal/shared"
)

// SequencePort issues and reclaims document numbers.
type SequencePort interface {
	Next(ctx context.Context, projectID int64, kind sequence.Kind) (int64, error)
	Reclaim(ctx context.Context, projectID int64, kind sequence.Kind, number int64) (bool, error)
}

// LedgerPort exposes the budget operations the PO lifecycle needs.
type LedgerPort interface {
	SubAccount(ctx context.Context, id int64) (budget.SubAccount, error)
	Commit(ctx context.Context, subAccountID int64, amount float64) error
	Release(ctx context.Context, subAccountID int64, amount float64) error
}

// DirectoryPort returns the current project roster, fetched fresh on every
// approval evaluation.
type DirectoryPort interface {
	ProjectMembers(ctx context.Context, projectID int64) ([]members.Member, error)
}

// ConfigPort loads the approval step configuration.
type ConfigPort interface {
	StepConfig(ctx context.Context, projectID int64, docKind string) ([]approval.StepConfig, error)
}

// CommitGuard keeps the ledger commit idempotent across retried completions.
type CommitGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives the purchase order lifecycle.
type Service struct {
	repo      RepositoryPort
	seq       SequencePort
	ledger    LedgerPort
	directory DirectoryPort
	config    ConfigPort
	guard     CommitGuard
	audit     AuditPort
	logger    *slog.Logger
}

// NewService constructs the purchase order service.
func NewService(repo RepositoryPort, seq SequencePort, ledger LedgerPort, directory DirectoryPort, config ConfigPort, guard CommitGuard, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, seq: seq, ledger: ledger, directory: directory, config: config, guard: guard, audit: audit, logger: logger}
}

// CreatePOInput describes creation payload.
type CreatePOInput struct {
	ProjectID    int64
	SupplierID   int64
	SubAccountID int64
	Amount       float64
	Description  string
	CreatedBy    int64
	Submit       bool
}

// SubmitResult reports the submission outcome. Stalled lists pending step
// orders with no eligible approver; BudgetWarning is set when the amount
// exceeds the subaccount's availability. Both are advisory, never errors.
type SubmitResult struct {
	PO            PurchaseOrder
	Stalled       []int
	BudgetWarning string
}

// DecideResult reports one decision's effect.
type DecideResult struct {
	PO        PurchaseOrder
	Outcome   approval.Outcome
	StepOrder int
}

// Create allocates a number and persists the PO as draft, submitting it in
// the same call when requested. A failed create after allocation leaves a
// numbering gap, which is acceptable: numbers may gap, never repeat.
func (s *Service) Create(ctx context.Context, input CreatePOInput) (SubmitResult, error) {
	if input.ProjectID == 0 || input.SubAccountID == 0 || input.CreatedBy == 0 || input.Amount <= 0 {
		return SubmitResult{}, ErrValidation
	}
	sub, err := s.ledger.SubAccount(ctx, input.SubAccountID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("procurement: subaccount lookup: %w", err)
	}
	number, err := s.seq.Next(ctx, input.ProjectID, sequence.KindPurchaseOrder)
	if err != nil {
		return SubmitResult{}, err
	}
	po := PurchaseOrder{
		ProjectID:    input.ProjectID,
		Number:       number,
		SupplierID:   input.SupplierID,
		SubAccountID: sub.ID,
		Amount:       round2(input.Amount),
		Status:       StatusDraft,
		CreatedBy:    input.CreatedBy,
		Description:  input.Description,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "amount": shared.FormatAmount(po.Amount)})
	if input.Submit {
		return s.Submit(ctx, po.ID, input.CreatedBy)
	}
	return SubmitResult{PO: po}, nil
}

// Submit clones the project's approval configuration into the document and
// moves it to PENDING. With zero configured steps the PO approves
// immediately; that bypass is intentional.
func (s *Service) Submit(ctx context.Context, poID, actorID int64) (SubmitResult, error) {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return SubmitResult{}, err
	}
	if po.Status != StatusDraft {
		return SubmitResult{}, ErrInvalidState
	}
	cfg, err := s.config.StepConfig(ctx, po.ProjectID, approval.DocKindPurchaseOrder)
	if err != nil {
		return SubmitResult{}, err
	}
	po.Steps = approval.Snapshot(cfg)

	status := StatusPending
	if len(po.Steps) == 0 {
		status = StatusApproved
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateSteps(ctx, po.ID, po.Steps); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, po.ID, status)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	po.Status = status

	result := SubmitResult{PO: po}
	sub, err := s.ledger.SubAccount(ctx, po.SubAccountID)
	if err == nil && po.Amount > sub.Available() {
		result.BudgetWarning = fmt.Sprintf("amount %s exceeds available budget %s",
			shared.FormatAmount(po.Amount), shared.FormatAmount(sub.Available()))
	}
	if status == StatusApproved {
		if err := s.commitLedger(ctx, po); err != nil {
			return SubmitResult{}, err
		}
	} else {
		roster, err := s.directory.ProjectMembers(ctx, po.ProjectID)
		if err != nil {
			return SubmitResult{}, err
		}
		result.Stalled = approval.StalledSteps(po.Steps, po.CreatedBy, roster)
	}
	s.recordAudit(ctx, actorID, "PO_SUBMIT", po.ID, map[string]any{"number": po.Number, "status": string(status)})
	return result, nil
}

// Decide records one approval decision against the PO's current step. The
// actor is validated against the freshly resolved approver set. Load,
// evaluation and write-back happen in one transaction holding the row lock,
// so two concurrent decisions cannot erase each other. Completion of the
// final step commits the budget ledger exactly once.
func (s *Service) Decide(ctx context.Context, poID, actorID int64, decision approval.Decision, note string) (DecideResult, error) {
	var (
		po  PurchaseOrder
		res approval.ApplyResult
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != StatusPending {
			return ErrInvalidState
		}
		roster, err := s.directory.ProjectMembers(ctx, po.ProjectID)
		if err != nil {
			return err
		}
		res, err = approval.Apply(po.Steps, po.CreatedBy, roster, actorID, decision)
		if err != nil {
			return err
		}
		return s.persistOutcome(ctx, tx, &po, res.Outcome)
	})
	if err != nil {
		return DecideResult{}, err
	}
	if po.Status == StatusApproved {
		if err := s.commitLedger(ctx, po); err != nil {
			return DecideResult{}, err
		}
	}
	s.recordAudit(ctx, actorID, "PO_DECISION", po.ID, map[string]any{
		"number": po.Number, "step": res.StepOrder, "outcome": string(res.Outcome), "note": note,
	})
	return DecideResult{PO: po, Outcome: res.Outcome, StepOrder: res.StepOrder}, nil
}

// Refresh re-evaluates the approval state against the current roster without
// a new decision. A requireAll step whose only remaining eligible approvers
// have already approved completes here. Safe to call repeatedly: the ledger
// commit stays guarded. An already approved PO re-runs that guarded commit,
// which repairs a completion whose ledger call failed after the status flip.
func (s *Service) Refresh(ctx context.Context, poID int64) (DecideResult, error) {
	var (
		po      PurchaseOrder
		outcome approval.Outcome
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != StatusPending {
			outcome = approval.WorkflowOutcome(po.Steps)
			return nil
		}
		roster, err := s.directory.ProjectMembers(ctx, po.ProjectID)
		if err != nil {
			return err
		}
		outcome = approval.Reevaluate(po.Steps, po.CreatedBy, roster)
		return s.persistOutcome(ctx, tx, &po, outcome)
	})
	if err != nil {
		return DecideResult{}, err
	}
	if po.Status == StatusApproved {
		if err := s.commitLedger(ctx, po); err != nil {
			return DecideResult{}, err
		}
	}
	return DecideResult{PO: po, Outcome: outcome}, nil
}

// persistOutcome writes the mutated steps and, on a terminal outcome, the
// status, inside the caller's transaction.
func (s *Service) persistOutcome(ctx context.Context, tx TxRepository, po *PurchaseOrder, outcome approval.Outcome) error {
	if err := tx.UpdateSteps(ctx, po.ID, po.Steps); err != nil {
		return err
	}
	status := po.Status
	switch outcome {
	case approval.OutcomeApproved:
		status = StatusApproved
	case approval.OutcomeRejected:
		status = StatusRejected
	}
	if status != po.Status {
		if err := tx.UpdateStatus(ctx, po.ID, status); err != nil {
			return err
		}
		po.Status = status
	}
	return nil
}

// commitLedger reserves the PO amount exactly once. The idempotency key
// guards retried completions; a duplicate key means the commitment already
// exists and the call is a no-op.
func (s *Service) commitLedger(ctx context.Context, po PurchaseOrder) error {
	key := fmt.Sprintf("PO_COMMIT:%d", po.ID)
	if s.guard != nil {
		err := s.guard.CheckAndInsert(ctx, key, "procurement.po")
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	if err := s.ledger.Commit(ctx, po.SubAccountID, po.Amount); err != nil {
		if s.guard != nil {
			_ = s.guard.Delete(ctx, key)
		}
		return err
	}
	return nil
}

// Close is the manual terminal transition of an approved PO.
func (s *Service) Close(ctx context.Context, poID, actorID int64) error {
	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != StatusApproved {
			return ErrInvalidState
		}
		return tx.UpdateStatus(ctx, poID, StatusClosed)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_CLOSE", poID, map[string]any{"number": po.Number})
	return nil
}

// Cancel voids an approved PO and releases its commitment. Only permitted
// while nothing has been invoiced against it.
func (s *Service) Cancel(ctx context.Context, poID, actorID int64) error {
	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != StatusApproved {
			return ErrInvalidState
		}
		if po.InvoicedAmount != 0 {
			return ErrHasInvoices
		}
		return tx.UpdateStatus(ctx, poID, StatusCancelled)
	})
	if err != nil {
		return err
	}
	if err := s.releaseCommitment(ctx, po); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_CANCEL", poID, map[string]any{"number": po.Number})
	return nil
}

// Delete removes the PO, releases an approved commitment and hands the
// number back to the allocator when it is still the latest issued. A
// non-latest number stays a permanent gap.
func (s *Service) Delete(ctx context.Context, poID, actorID int64) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	linked, err := s.repo.CountInvoices(ctx, poID)
	if err != nil {
		return err
	}
	if linked > 0 || po.InvoicedAmount != 0 {
		return ErrHasInvoices
	}
	if po.Status == StatusApproved {
		if err := s.releaseCommitment(ctx, po); err != nil {
			return err
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeletePO(ctx, poID)
	})
	if err != nil {
		return err
	}
	reclaimed, err := s.seq.Reclaim(ctx, po.ProjectID, sequence.KindPurchaseOrder, po.Number)
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_DELETE", poID, map[string]any{"number": po.Number, "number_reclaimed": reclaimed})
	return nil
}

// releaseCommitment undoes the one-time ledger commit, clearing the guard
// key so a later identical document id cannot be mistaken for committed.
func (s *Service) releaseCommitment(ctx context.Context, po PurchaseOrder) error {
	if err := s.ledger.Release(ctx, po.SubAccountID, po.Amount); err != nil {
		return err
	}
	if s.guard != nil {
		_ = s.guard.Delete(ctx, fmt.Sprintf("PO_COMMIT:%d", po.ID))
	}
	return nil
}

// Get returns a purchase order.
func (s *Service) Get(ctx context.Context, poID int64) (PurchaseOrder, error) {
	return s.repo.GetPO(ctx, poID)
}

// ListByProject returns the project's purchase orders.
func (s *Service) ListByProject(ctx context.Context, projectID int64) ([]PurchaseOrder, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// StalledApprovals lists pending POs of the project whose current step has
// no eligible approver under the present roster.
func (s *Service) StalledApprovals(ctx context.Context, projectID int64) (map[int64][]int, error) {
	pos, err := s.repo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	roster, err := s.directory.ProjectMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stalled := make(map[int64][]int)
	for _, po := range pos {
		if po.Status != StatusPending {
			continue
		}
		if orders := approval.StalledSteps(po.Steps, po.CreatedBy, roster); len(orders) > 0 {
			stalled[po.ID] = orders
		}
	}
	return stalled, nil
}

// AddInvoicedAmount adjusts the running total of invoices linked to the PO.
// Called by the invoice module when linked invoices appear or disappear.
func (s *Service) AddInvoicedAmount(ctx context.Context, poID int64, delta float64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.AddInvoicedAmount(ctx, poID, delta)
	})
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "po", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
