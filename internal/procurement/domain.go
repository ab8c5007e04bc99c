package procurement

import (
	"errors"
	"time"

	"github.com/prodledger/prodledger/internal/approval"
)

// Purchase order lifecycle statuses.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// PurchaseOrder domain model. Number is sequential per project and immutable
// once assigned. Steps is the approval snapshot cloned at submission.
type PurchaseOrder struct {
	ID             int64                  `json:"id"`
	ProjectID      int64                  `json:"projectId"`
	Number         int64                  `json:"number"`
	SupplierID     int64                  `json:"supplierId"`
	SubAccountID   int64                  `json:"subAccountId"`
	Amount         float64                `json:"amount"`
	Status         Status                 `json:"status"`
	Steps          []approval.StepRuntime `json:"steps,omitempty"`
	InvoicedAmount float64                `json:"invoicedAmount"`
	CreatedBy      int64                  `json:"createdBy"`
	Description    string                 `json:"description,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// CurrentApprovalStep returns the index of the step awaiting decisions, or
// -1 when the workflow is terminal.
func (p PurchaseOrder) CurrentApprovalStep() int {
	return approval.CurrentStep(p.Steps)
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("procurement: invalid state transition")
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrHasInvoices blocks cancel/delete of a PO with linked invoices.
	ErrHasInvoices = errors.New("procurement: purchase order has linked invoices")
)
