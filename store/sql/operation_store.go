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

// OperationStore is the bun-backed operation ledger. It mirrors the
// semantics of core.MemoryOperationStore: idempotent create, CAS status
// transitions, and append-only step records.
type OperationStore struct {
	db       *bun.DB
	repo     repository.Repository[*operationRecord]
	stepRepo repository.Repository[*operationStepRecord]
	now      func() time.Time
}

func NewOperationStore(db *bun.DB) (*OperationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*operationRecord](db, operationHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid operation repository wiring: %w", err)
		}
	}
	stepRepo := repository.NewRepository[*operationStepRecord](db, operationStepHandlers())
	if validator, ok := stepRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid operation step repository wiring: %w", err)
		}
	}
	return &OperationStore{
		db:       db,
		repo:     repo,
		stepRepo: stepRepo,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *OperationStore) Create(ctx context.Context, in core.CreateOperationInput) (core.Operation, bool, error) {
	if s == nil || s.db == nil {
		return core.Operation{}, false, fmt.Errorf("sqlstore: operation store is not configured")
	}
	if err := in.Kind.Validate(); err != nil {
		return core.Operation{}, false, err
	}
	if strings.TrimSpace(in.Principal) == "" {
		return core.Operation{}, false, core.NewError(core.ErrorKindParametersInvalid, "sqlstore: principal is required")
	}

	idempotencyKey := strings.TrimSpace(in.IdempotencyKey)
	externalRef := strings.TrimSpace(in.ExternalRef)

	var out core.Operation
	var created bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if idempotencyKey != "" {
			existing, err := findOperationByIdempotencyKeyTx(ctx, tx, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing.toDomain()
				return nil
			}
		}
		if externalRef != "" {
			existing, err := findActiveOperationByExternalRefTx(ctx, tx, in.Kind, externalRef)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing.toDomain()
				return nil
			}
		}

		record := newOperationRecord(in, s.now())
		record.ID = uuid.NewString()
		if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
			if !isUniqueViolation(insertErr) {
				return insertErr
			}
			// Lost an insert race; the winner's row satisfies the caller.
			if idempotencyKey != "" {
				existing, err := findOperationByIdempotencyKeyTx(ctx, tx, idempotencyKey)
				if err != nil {
					return err
				}
				if existing != nil {
					out = existing.toDomain()
					return nil
				}
			}
			if externalRef != "" {
				existing, err := findActiveOperationByExternalRefTx(ctx, tx, in.Kind, externalRef)
				if err != nil {
					return err
				}
				if existing != nil {
					out = existing.toDomain()
					return nil
				}
			}
			return insertErr
		}
		out = record.toDomain()
		created = true
		return nil
	})
	if err != nil {
		return core.Operation{}, false, err
	}
	return out, created, nil
}

func (s *OperationStore) Get(ctx context.Context, id string) (core.Operation, error) {
	if s == nil || s.db == nil {
		return core.Operation{}, fmt.Errorf("sqlstore: operation store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Operation{}, core.NewError(core.ErrorKindParametersInvalid, "sqlstore: operation id is required")
	}
	record := &operationRecord{}
	err := s.db.NewSelect().
		Model(record).
		Relation("Steps", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("step_index ASC")
		}).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Operation{}, core.ErrOperationNotFound
		}
		return core.Operation{}, err
	}
	return record.toDomain(), nil
}

func (s *OperationStore) Transition(
	ctx context.Context,
	id string,
	expected core.OperationStatus,
	next core.OperationStatus,
	step *core.StepRecord,
) (core.Operation, error) {
	if s == nil || s.db == nil {
		return core.Operation{}, fmt.Errorf("sqlstore: operation store is not configured")
	}
	id = strings.TrimSpace(id)

	var out core.Operation
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findOperationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return core.ErrOperationNotFound
		}
		if core.OperationStatus(record.Status) != expected {
			return core.NewError(
				core.ErrorKindConcurrentUpdate,
				fmt.Sprintf("sqlstore: operation %s is %s, expected %s", id, record.Status, expected),
			)
		}

		op := record.toDomain()
		now := s.now()
		if err := op.TransitionTo(next, now); err != nil {
			return core.WrapError(core.ErrorKindInvalidState, err, err.Error())
		}

		update := tx.NewUpdate().
			Model((*operationRecord)(nil)).
			Set("status = ?", string(op.Status)).
			Set("updated_at = ?", op.UpdatedAt).
			Where("id = ?", id).
			Where("status = ?", string(expected))
		if op.CompletedAt != nil {
			update = update.Set("completed_at = ?", *op.CompletedAt)
		}
		result, err := update.Exec(ctx)
		if err != nil {
			return err
		}
		// The guarded UPDATE is the authoritative CAS; the select above only
		// provides the pre-image for validation.
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return core.NewError(
				core.ErrorKindConcurrentUpdate,
				fmt.Sprintf("sqlstore: operation %s left %s concurrently", id, expected),
			)
		}

		if step != nil {
			appended, err := appendStepTx(ctx, tx, id, *step)
			if err != nil {
				return err
			}
			op.Steps = append(op.Steps, appended)
		}
		out = op
		return nil
	})
	if err != nil {
		return core.Operation{}, err
	}
	return out, nil
}

func (s *OperationStore) AppendStep(ctx context.Context, id string, step core.StepRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: operation store is not configured")
	}
	id = strings.TrimSpace(id)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findOperationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return core.ErrOperationNotFound
		}
		if _, err := appendStepTx(ctx, tx, id, step); err != nil {
			return err
		}
		_, err = tx.NewUpdate().
			Model((*operationRecord)(nil)).
			Set("updated_at = ?", s.now()).
			Where("id = ?", id).
			Exec(ctx)
		return err
	})
}

func (s *OperationStore) SetError(ctx context.Context, id string, kind core.ErrorKind, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: operation store is not configured")
	}
	id = strings.TrimSpace(id)
	result, err := s.db.NewUpdate().
		Model((*operationRecord)(nil)).
		Set("last_error_kind = ?", string(kind)).
		Set("last_error_message = ?", strings.TrimSpace(message)).
		Set("updated_at = ?", s.now()).
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
		return core.ErrOperationNotFound
	}
	return nil
}

func (s *OperationStore) LookupByExternalRef(
	ctx context.Context,
	kind core.OperationKind,
	externalRef string,
) (core.Operation, error) {
	if s == nil || s.db == nil {
		return core.Operation{}, fmt.Errorf("sqlstore: operation store is not configured")
	}
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return core.Operation{}, core.NewError(core.ErrorKindParametersInvalid, "sqlstore: external reference is required")
	}
	record := &operationRecord{}
	err := s.db.NewSelect().
		Model(record).
		Relation("Steps", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("step_index ASC")
		}).
		Where("?TableAlias.kind = ?", string(kind)).
		Where("?TableAlias.external_ref = ?", externalRef).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Operation{}, core.ErrOperationNotFound
		}
		return core.Operation{}, err
	}
	return record.toDomain(), nil
}

func findOperationTx(ctx context.Context, tx bun.Tx, id string) (*operationRecord, error) {
	record := &operationRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func findOperationByIdempotencyKeyTx(ctx context.Context, tx bun.Tx, key string) (*operationRecord, error) {
	record := &operationRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", strings.TrimSpace(key)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// findActiveOperationByExternalRefTx skips rolled-back rows so a fully
// unwound deposit can be resubmitted under the same chain reference.
func findActiveOperationByExternalRefTx(
	ctx context.Context,
	tx bun.Tx,
	kind core.OperationKind,
	externalRef string,
) (*operationRecord, error) {
	record := &operationRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.kind = ?", string(kind)).
		Where("?TableAlias.external_ref = ?", strings.TrimSpace(externalRef)).
		Where("?TableAlias.status NOT IN (?)", bun.In([]string{
			string(core.OperationStatusRolledBack),
			string(core.OperationStatusRolledBackPartial),
		})).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func appendStepTx(ctx context.Context, tx bun.Tx, operationID string, step core.StepRecord) (core.StepRecord, error) {
	count, err := tx.NewSelect().
		Model((*operationStepRecord)(nil)).
		Where("?TableAlias.operation_id = ?", operationID).
		Count(ctx)
	if err != nil {
		return core.StepRecord{}, err
	}
	step.Index = count
	record := newOperationStepRecord(operationID, step)
	record.ID = uuid.NewString()
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.StepRecord{}, err
	}
	return record.toDomain(), nil
}
