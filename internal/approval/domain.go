package approval

import "errors"

// Document kinds carrying an approval workflow.
const (
	DocKindPurchaseOrder = "PO"
	DocKindInvoice       = "INVOICE"
)

// ApproverType selects how a step's eligible approvers are resolved.
type ApproverType string

const (
	ApproverFixed       ApproverType = "FIXED"
	ApproverRole        ApproverType = "ROLE"
	ApproverHOD         ApproverType = "HOD"
	ApproverCoordinator ApproverType = "COORDINATOR"
)

// Decision is a single approver's verdict on a step.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// StepStatus is the state of one runtime step.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepApproved StepStatus = "APPROVED"
	StepRejected StepStatus = "REJECTED"
)

// Outcome is the aggregate workflow state over all steps.
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

// StepConfig is one step of a project's approval configuration. It is cloned
// into each document at submission; later config edits never touch in-flight
// documents.
type StepConfig struct {
	ApproverType ApproverType `json:"approver_type"`
	Approvers    []int64      `json:"approvers,omitempty"`
	Roles        []string     `json:"roles,omitempty"`
	Department   string       `json:"department,omitempty"`
	RequireAll   bool         `json:"require_all"`
}

// StepRuntime is the per-document copy of a config step plus the decisions
// recorded against it. Eligible approvers are NOT stored here: they are
// resolved fresh from the member roster on every decision and every
// re-check, so role and department changes take effect immediately.
type StepRuntime struct {
	Order        int                `json:"order"`
	ApproverType ApproverType       `json:"approver_type"`
	Approvers    []int64            `json:"approvers,omitempty"`
	Roles        []string           `json:"roles,omitempty"`
	Department   string             `json:"department,omitempty"`
	RequireAll   bool               `json:"require_all"`
	Decisions    map[int64]Decision `json:"decisions"`
	Status       StepStatus         `json:"status"`
}

var (
	// ErrNotEligible is an integrity error: the actor is not in the step's
	// currently resolved approver set.
	ErrNotEligible = errors.New("approval: actor not eligible for current step")
	// ErrAlreadyDecided indicates the actor already recorded a decision on the step.
	ErrAlreadyDecided = errors.New("approval: decision already recorded")
	// ErrNoPendingStep indicates the workflow already reached a terminal state.
	ErrNoPendingStep = errors.New("approval: no pending step")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("approval: invalid input")
)
