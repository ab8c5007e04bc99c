package approval

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConfigStore persists the per-project, per-kind approval configuration.
// Documents never reference it after submission; they carry their own
// snapshot.
type ConfigStore struct {
	pool *pgxpool.Pool
}

// NewConfigStore constructs the store.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

// StepConfig returns the ordered steps configured for the project and
// document kind. No configuration means zero steps: submission auto-approves.
func (s *ConfigStore) StepConfig(ctx context.Context, projectID int64, docKind string) ([]StepConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT steps FROM approval_configs WHERE project_id=$1 AND doc_kind=$2`,
		projectID, docKind).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var cfg []StepConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveStepConfig replaces the configuration for the project and kind.
// In-flight documents keep their submission-time snapshot.
func (s *ConfigStore) SaveStepConfig(ctx context.Context, projectID int64, docKind string, cfg []StepConfig) error {
	if projectID == 0 || docKind == "" {
		return ErrValidation
	}
	for _, step := range cfg {
		switch step.ApproverType {
		case ApproverFixed:
			if len(step.Approvers) == 0 {
				return ErrValidation
			}
		case ApproverRole:
			if len(step.Roles) == 0 {
				return ErrValidation
			}
		case ApproverHOD, ApproverCoordinator:
		default:
			return ErrValidation
		}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO approval_configs (project_id, doc_kind, steps)
VALUES ($1, $2, $3)
ON CONFLICT (project_id, doc_kind) DO UPDATE SET steps=EXCLUDED.steps`, projectID, docKind, raw)
	return err
}
