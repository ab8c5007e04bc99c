package budget

import "errors"

// Account is a budget line item owning subaccounts.
type Account struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"projectId"`
	Code      string `json:"code"`
	Name      string `json:"name"`
}

// SubAccount carries the three source figures of the ledger. Available is
// always derived from them, never stored, so the numbers cannot drift.
type SubAccount struct {
	ID        int64   `json:"id"`
	AccountID int64   `json:"accountId"`
	ProjectID int64   `json:"projectId"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Budgeted  float64 `json:"budgeted"`
	Committed float64 `json:"committed"`
	Actual    float64 `json:"actual"`
}

// Available returns budgeted minus committed minus actual. A negative result
// means over-commitment, which the ledger tolerates.
func (s SubAccount) Available() float64 {
	return s.Budgeted - s.Committed - s.Actual
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("budget: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("budget: invalid input")
	// ErrAccountNotEmpty blocks deleting an account that still owns subaccounts.
	ErrAccountNotEmpty = errors.New("budget: account still owns subaccounts")
	// ErrSubAccountInUse blocks deleting a subaccount referenced by a PO or invoice.
	ErrSubAccountInUse = errors.New("budget: subaccount referenced by documents")
	// ErrNegativeFigure is an integrity error: a ledger figure would drop below zero.
	ErrNegativeFigure = errors.New("budget: ledger figure would become negative")
)
