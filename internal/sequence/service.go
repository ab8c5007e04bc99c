package sequence

import (
	"context"
	"log/slog"
)

// Service issues and reclaims per-project document numbers.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs the allocator.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Next issues the next number for the project/kind pair.
func (s *Service) Next(ctx context.Context, projectID int64, kind Kind) (int64, error) {
	if projectID == 0 || kind == "" {
		return 0, ErrValidation
	}
	return s.repo.Increment(ctx, projectID, kind)
}

// Reclaim hands a number back after its document was deleted. The counter is
// decremented only when number is the most recently issued one; otherwise the
// number stays a permanent gap so printed documents remain unambiguous.
// The caller must have verified the deleted document had no dependents.
func (s *Service) Reclaim(ctx context.Context, projectID int64, kind Kind, number int64) (bool, error) {
	if projectID == 0 || kind == "" || number <= 0 {
		return false, ErrValidation
	}
	reclaimed, err := s.repo.DecrementIfLatest(ctx, projectID, kind, number)
	if err != nil {
		return false, err
	}
	if !reclaimed && s.logger != nil {
		s.logger.Info("sequence gap retained",
			slog.Int64("project_id", projectID),
			slog.String("kind", string(kind)),
			slog.Int64("number", number))
	}
	return reclaimed, nil
}

// Current returns the last number issued for the pair.
func (s *Service) Current(ctx context.Context, projectID int64, kind Kind) (int64, error) {
	if projectID == 0 || kind == "" {
		return 0, ErrValidation
	}
	return s.repo.Current(ctx, projectID, kind)
}
