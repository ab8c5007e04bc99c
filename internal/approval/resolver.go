package approval

import (
	"github.com/prodledger/prodledger/internal/members"
)

// Resolve returns the concrete approver set for a step, as of the roster
// passed in. It is a pure function of (step, roster): callers must fetch the
// roster fresh at evaluation time and never cache the result on the document.
//
// For HOD and Coordinator steps without an explicit department override, the
// department is taken from the document creator's membership record in the
// current roster. This is deliberate late binding: reassigning the creator to
// another department after submission changes who must approve.
func Resolve(step StepRuntime, createdBy int64, roster []members.Member) []int64 {
	switch step.ApproverType {
	case ApproverFixed:
		return append([]int64(nil), step.Approvers...)
	case ApproverRole:
		var ids []int64
		for _, m := range roster {
			if containsString(step.Roles, m.Role) {
				ids = append(ids, m.UserID)
			}
		}
		return ids
	case ApproverHOD:
		return resolvePosition(step, createdBy, roster, members.PositionHOD)
	case ApproverCoordinator:
		return resolvePosition(step, createdBy, roster, members.PositionCoordinator)
	default:
		return nil
	}
}

func resolvePosition(step StepRuntime, createdBy int64, roster []members.Member, position string) []int64 {
	department := step.Department
	if department == "" {
		for _, m := range roster {
			if m.UserID == createdBy {
				department = m.Department
				break
			}
		}
	}
	if department == "" {
		return nil
	}
	var ids []int64
	for _, m := range roster {
		if m.Position == position && m.Department == department {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}

func containsString(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

func containsID(values []int64, v int64) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
