// Package ap implements accounts payable: supplier invoices and their
// approval and payment lifecycle.
package ap

import (
	"errors"
	"time"

	"github.com/prodledger/prodledger/internal/approval"
)

// Invoice lifecycle statuses. StatusOverdue is never stored; it is a
// read-time view of a pending invoice past its due date.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusPending         Status = "PENDING"
	StatusPaid            Status = "PAID"
	StatusPartialPaid     Status = "PARTIAL_PAID"
	StatusOverdue         Status = "OVERDUE"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// settleTolerance absorbs rounding: a payment covering at least this share
// of the invoice amount settles it as paid.
const settleTolerance = 0.99

// Invoice domain model. POID of zero means the invoice stands alone. Steps
// is the approval snapshot cloned at creation.
type Invoice struct {
	ID           int64                  `json:"id"`
	ProjectID    int64                  `json:"projectId"`
	Number       int64                  `json:"number"`
	POID         int64                  `json:"poId,omitempty"`
	SupplierID   int64                  `json:"supplierId"`
	SubAccountID int64                  `json:"subAccountId"`
	Amount       float64                `json:"amount"`
	PaidAmount   float64                `json:"paidAmount"`
	DueDate      time.Time              `json:"dueDate"`
	Status       Status                 `json:"status"`
	Steps        []approval.StepRuntime `json:"steps,omitempty"`
	CreatedBy    int64                  `json:"createdBy"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// EffectiveStatus derives the read-time status: a pending invoice past its
// due date reads as overdue without any stored transition.
func (i Invoice) EffectiveStatus(now time.Time) Status {
	if i.Status == StatusPending && now.After(i.DueDate) {
		return StatusOverdue
	}
	return i.Status
}

// Settled reports whether the cumulative paid amount covers the invoice
// within the settlement tolerance.
func (i Invoice) Settled() bool {
	return i.PaidAmount >= i.Amount*settleTolerance
}

// Outstanding returns the unpaid remainder.
func (i Invoice) Outstanding() float64 {
	return i.Amount - i.PaidAmount
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = errors.New("ap: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("ap: invalid input")
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("ap: invalid state transition")
	// ErrHasPayments blocks cancel/delete of an invoice with recorded payments.
	ErrHasPayments = errors.New("ap: invoice has recorded payments")
)
