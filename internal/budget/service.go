package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/prodledger/prodledger/internal/shared"
)

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service maintains the budget ledger. All adjustments lock the subaccount
// row and rewrite both figures in one transaction, so concurrent approvals
// and payments cannot lose updates. The ledger is advisory: it records
// over-commitment instead of blocking it.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	cache  *Cache
	logger *slog.Logger
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger}
}

// CreateAccountInput describes account creation.
type CreateAccountInput struct {
	ProjectID int64
	Code      string
	Name      string
}

// CreateSubAccountInput describes subaccount creation.
type CreateSubAccountInput struct {
	AccountID int64
	Code      string
	Name      string
	Budgeted  float64
}

// CreateAccount persists a new account.
func (s *Service) CreateAccount(ctx context.Context, input CreateAccountInput) (Account, error) {
	if input.ProjectID == 0 || input.Code == "" {
		return Account{}, ErrValidation
	}
	account := Account{ProjectID: input.ProjectID, Code: input.Code, Name: input.Name}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateAccount(ctx, account)
		if err != nil {
			return err
		}
		account.ID = id
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	_ = s.cache.Bump(ctx)
	s.recordAudit(ctx, "ACCOUNT_CREATE", account.ID, map[string]any{"code": account.Code})
	return account, nil
}

// CreateSubAccount persists a new subaccount under an account.
func (s *Service) CreateSubAccount(ctx context.Context, input CreateSubAccountInput) (SubAccount, error) {
	if input.AccountID == 0 || input.Code == "" || input.Budgeted < 0 {
		return SubAccount{}, ErrValidation
	}
	account, err := s.repo.GetAccount(ctx, input.AccountID)
	if err != nil {
		return SubAccount{}, err
	}
	sub := SubAccount{
		AccountID: account.ID,
		ProjectID: account.ProjectID,
		Code:      input.Code,
		Name:      input.Name,
		Budgeted:  round2(input.Budgeted),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateSubAccount(ctx, sub)
		if err != nil {
			return err
		}
		sub.ID = id
		return nil
	})
	if err != nil {
		return SubAccount{}, err
	}
	_ = s.cache.Bump(ctx)
	s.recordAudit(ctx, "SUBACCOUNT_CREATE", sub.ID, map[string]any{"code": sub.Code, "budgeted": shared.FormatAmount(sub.Budgeted)})
	return sub, nil
}

// DeleteAccount removes an account that owns no subaccounts.
func (s *Service) DeleteAccount(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		count, err := tx.CountSubAccounts(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrAccountNotEmpty
		}
		return tx.DeleteAccount(ctx, id)
	})
	if err != nil {
		return err
	}
	_ = s.cache.Bump(ctx)
	s.recordAudit(ctx, "ACCOUNT_DELETE", id, nil)
	return nil
}

// DeleteSubAccount removes a subaccount no document references.
func (s *Service) DeleteSubAccount(ctx context.Context, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		count, err := tx.CountSubAccountReferences(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrSubAccountInUse
		}
		return tx.DeleteSubAccount(ctx, id)
	})
	if err != nil {
		return err
	}
	_ = s.cache.Bump(ctx)
	s.recordAudit(ctx, "SUBACCOUNT_DELETE", id, nil)
	return nil
}

// SubAccount returns the subaccount with figures as stored.
func (s *Service) SubAccount(ctx context.Context, id int64) (SubAccount, error) {
	return s.repo.GetSubAccount(ctx, id)
}

// Commit reserves budget for an approved purchase order.
func (s *Service) Commit(ctx context.Context, subAccountID int64, amount float64) error {
	return s.adjust(ctx, "LEDGER_COMMIT", subAccountID, amount, 0)
}

// Release hands a reservation back, on PO cancellation or deletion.
func (s *Service) Release(ctx context.Context, subAccountID int64, amount float64) error {
	return s.adjust(ctx, "LEDGER_RELEASE", subAccountID, -amount, 0)
}

// Realize books consumed budget for a payment.
func (s *Service) Realize(ctx context.Context, subAccountID int64, amount float64) error {
	return s.adjust(ctx, "LEDGER_REALIZE", subAccountID, 0, amount)
}

// RealizeCommitted books a payment that originated from a committed PO:
// actual grows and the matching commitment is released in the same
// transaction, so committed never double-counts with actual.
func (s *Service) RealizeCommitted(ctx context.Context, subAccountID int64, amount float64) error {
	return s.adjust(ctx, "LEDGER_REALIZE_COMMITTED", subAccountID, -amount, amount)
}

func (s *Service) adjust(ctx context.Context, action string, subAccountID int64, committedDelta, actualDelta float64) error {
	if subAccountID == 0 || (committedDelta == 0 && actualDelta == 0) {
		return ErrValidation
	}
	var after SubAccount
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sub, err := tx.LockSubAccount(ctx, subAccountID)
		if err != nil {
			return err
		}
		committed := round2(sub.Committed + committedDelta)
		actual := round2(sub.Actual + actualDelta)
		if committed < 0 || actual < 0 {
			return fmt.Errorf("%w: committed=%.2f actual=%.2f", ErrNegativeFigure, committed, actual)
		}
		if err := tx.UpdateFigures(ctx, subAccountID, committed, actual); err != nil {
			return err
		}
		after = sub
		after.Committed = committed
		after.Actual = actual
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.cache.Bump(ctx); err != nil && s.logger != nil {
		s.logger.Warn("budget cache bump failed", slog.Any("error", err))
	}
	if after.Available() < 0 && s.logger != nil {
		s.logger.Warn("subaccount over-committed",
			slog.Int64("subaccount_id", subAccountID),
			slog.String("available", shared.FormatAmount(after.Available())))
	}
	s.recordAudit(ctx, action, subAccountID, map[string]any{
		"committed": shared.FormatAmount(after.Committed),
		"actual":    shared.FormatAmount(after.Actual),
		"available": shared.FormatAmount(after.Available()),
	})
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "budget", EntityID: fmt.Sprintf("%d", entityID), Meta: meta})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
