package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/anchorledger/custody-core/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ReconciliationStore keeps the append-only audit trail of reserve
// reconciliation runs.
type ReconciliationStore struct {
	db   *bun.DB
	repo repository.Repository[*reconciliationRecord]
	now  func() time.Time
}

func NewReconciliationStore(db *bun.DB) (*ReconciliationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*reconciliationRecord](db, reconciliationHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid reconciliation repository wiring: %w", err)
		}
	}
	return &ReconciliationStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ReconciliationStore) Append(ctx context.Context, result core.ReconciliationResult) (core.ReconciliationResult, error) {
	if s == nil || s.db == nil {
		return core.ReconciliationResult{}, fmt.Errorf("sqlstore: reconciliation store is not configured")
	}
	if strings.TrimSpace(result.ID) == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.now()
	}
	record := newReconciliationRecord(result)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.ReconciliationResult{}, err
	}
	return record.toDomain(), nil
}

func (s *ReconciliationStore) Latest(ctx context.Context) (core.ReconciliationResult, error) {
	if s == nil || s.db == nil {
		return core.ReconciliationResult{}, fmt.Errorf("sqlstore: reconciliation store is not configured")
	}
	record := &reconciliationRecord{}
	err := s.db.NewSelect().
		Model(record).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.ReconciliationResult{}, fmt.Errorf("sqlstore: no reconciliation results recorded")
		}
		return core.ReconciliationResult{}, err
	}
	return record.toDomain(), nil
}

func (s *ReconciliationStore) Acknowledge(ctx context.Context, id string, acknowledgedBy string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: reconciliation store is not configured")
	}
	id = strings.TrimSpace(id)
	acknowledgedBy = strings.TrimSpace(acknowledgedBy)
	if acknowledgedBy == "" {
		return core.NewError(core.ErrorKindParametersInvalid, "sqlstore: acknowledging role is required")
	}
	result, err := s.db.NewUpdate().
		Model((*reconciliationRecord)(nil)).
		Set("acknowledged_by = ?", acknowledgedBy).
		Set("acknowledged_at = ?", s.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sqlstore: reconciliation result %q not found", id)
	}
	return nil
}
