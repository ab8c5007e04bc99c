package members

import "errors"

// Department positions recognised by approval routing.
const (
	PositionHOD         = "HOD"
	PositionCoordinator = "COORDINATOR"
)

// Member is one user's membership record inside a project.
type Member struct {
	UserID     int64  `json:"userId"`
	ProjectID  int64  `json:"projectId"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
	Position   string `json:"position,omitempty"`
}

var (
	// ErrNotFound indicates the membership record is missing.
	ErrNotFound = errors.New("members: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("members: invalid input")
)
