package approval

import (
	"github.com/prodledger/prodledger/internal/members"
)

// Snapshot deep-copies the project configuration into runtime steps for one
// document. The copy is taken once, at submission; the returned steps are the
// document's own and never alias the config slices.
func Snapshot(cfg []StepConfig) []StepRuntime {
	steps := make([]StepRuntime, 0, len(cfg))
	for i, c := range cfg {
		steps = append(steps, StepRuntime{
			Order:        i + 1,
			ApproverType: c.ApproverType,
			Approvers:    append([]int64(nil), c.Approvers...),
			Roles:        append([]string(nil), c.Roles...),
			Department:   c.Department,
			RequireAll:   c.RequireAll,
			Decisions:    make(map[int64]Decision),
			Status:       StepPending,
		})
	}
	return steps
}

// CurrentStep returns the index of the first pending step, or -1 when the
// workflow reached a terminal state.
func CurrentStep(steps []StepRuntime) int {
	for i := range steps {
		switch steps[i].Status {
		case StepPending:
			return i
		case StepRejected:
			return -1
		}
	}
	return -1
}

// WorkflowOutcome derives the aggregate state from the steps. A document with
// zero configured steps is approved: an empty workflow is a valid bypass.
func WorkflowOutcome(steps []StepRuntime) Outcome {
	for i := range steps {
		switch steps[i].Status {
		case StepRejected:
			return OutcomeRejected
		case StepPending:
			return OutcomePending
		}
	}
	return OutcomeApproved
}

// ApplyResult reports the effect of one decision.
type ApplyResult struct {
	Outcome   Outcome
	StepOrder int
}

// Apply validates and records one decision against the current step,
// mutating steps in place. The actor is checked against the step's freshly
// resolved approver set, not any stored snapshot. A rejection anywhere is
// terminal for the whole document. A requireAll step completes once every
// currently eligible approver has approved; approvers who left the resolved
// set since their decision no longer count either way.
func Apply(steps []StepRuntime, createdBy int64, roster []members.Member, actorID int64, decision Decision) (ApplyResult, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return ApplyResult{}, ErrValidation
	}
	idx := CurrentStep(steps)
	if idx < 0 {
		return ApplyResult{}, ErrNoPendingStep
	}
	step := &steps[idx]

	eligible := Resolve(*step, createdBy, roster)
	if !containsID(eligible, actorID) {
		return ApplyResult{}, ErrNotEligible
	}
	if step.Decisions == nil {
		step.Decisions = make(map[int64]Decision)
	}
	if _, ok := step.Decisions[actorID]; ok {
		return ApplyResult{}, ErrAlreadyDecided
	}
	step.Decisions[actorID] = decision

	if decision == DecisionReject {
		step.Status = StepRejected
		return ApplyResult{Outcome: OutcomeRejected, StepOrder: step.Order}, nil
	}
	if stepComplete(*step, eligible) {
		step.Status = StepApproved
	}
	return ApplyResult{Outcome: WorkflowOutcome(steps), StepOrder: step.Order}, nil
}

// Reevaluate re-checks the current step against the roster without a new
// decision. This is how a requireAll step completes after an outstanding
// approver was removed from the eligible set, and how completion stays
// idempotent: evaluating an already-approved workflow changes nothing.
func Reevaluate(steps []StepRuntime, createdBy int64, roster []members.Member) Outcome {
	for {
		idx := CurrentStep(steps)
		if idx < 0 {
			break
		}
		step := &steps[idx]
		eligible := Resolve(*step, createdBy, roster)
		if !stepComplete(*step, eligible) {
			break
		}
		step.Status = StepApproved
	}
	return WorkflowOutcome(steps)
}

// StalledSteps returns the orders of pending steps whose resolved approver
// set is empty. A stalled step is valid data, not an error: the document
// stays pending until an eligible approver exists or the step is
// reconfigured. It must be surfaced, never silently skipped.
func StalledSteps(steps []StepRuntime, createdBy int64, roster []members.Member) []int {
	var stalled []int
	for i := range steps {
		if steps[i].Status != StepPending {
			continue
		}
		if len(Resolve(steps[i], createdBy, roster)) == 0 {
			stalled = append(stalled, steps[i].Order)
		}
	}
	return stalled
}

// stepComplete reports whether the step is satisfied given the currently
// eligible approvers. An empty eligible set never completes.
func stepComplete(step StepRuntime, eligible []int64) bool {
	if len(eligible) == 0 {
		return false
	}
	if step.RequireAll {
		for _, id := range eligible {
			if step.Decisions[id] != DecisionApprove {
				return false
			}
		}
		return true
	}
	for _, id := range eligible {
		if step.Decisions[id] == DecisionApprove {
			return true
		}
	}
	return false
}
