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

type UsageStore struct {
	db   *bun.DB
	repo repository.Repository[*usageCounterRecord]
	now  func() time.Time
}

func NewUsageStore(db *bun.DB) (*UsageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*usageCounterRecord](db, usageCounterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid usage counter repository wiring: %w", err)
		}
	}
	return &UsageStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *UsageStore) Get(ctx context.Context, principal string, class core.OperationClass) (core.UsageCounters, error) {
	if s == nil || s.db == nil {
		return core.UsageCounters{}, fmt.Errorf("sqlstore: usage store is not configured")
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return core.UsageCounters{}, core.NewError(core.ErrorKindParametersInvalid, "sqlstore: principal is required")
	}
	if err := class.Validate(); err != nil {
		return core.UsageCounters{}, err
	}
	record := &usageCounterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.principal = ?", principal).
		Where("?TableAlias.class = ?", string(class)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.UsageCounters{}, core.ErrUsageNotFound
		}
		return core.UsageCounters{}, err
	}
	return record.toDomain(), nil
}

func (s *UsageStore) Upsert(ctx context.Context, counters core.UsageCounters) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: usage store is not configured")
	}
	counters.Principal = strings.TrimSpace(counters.Principal)
	if counters.Principal == "" {
		return core.NewError(core.ErrorKindParametersInvalid, "sqlstore: principal is required")
	}
	if err := counters.Class.Validate(); err != nil {
		return err
	}
	if counters.UpdatedAt.IsZero() {
		counters.UpdatedAt = s.now()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findUsageCounterTx(ctx, tx, counters.Principal, counters.Class)
		if err != nil {
			return err
		}
		if record == nil {
			record = &usageCounterRecord{
				ID:               uuid.NewString(),
				Principal:        counters.Principal,
				Class:            string(counters.Class),
				DailyUsed:        counters.DailyUsed,
				MonthlyUsed:      counters.MonthlyUsed,
				LastResetDaily:   counters.LastResetDaily,
				LastResetMonthly: counters.LastResetMonthly,
				UpdatedAt:        counters.UpdatedAt,
			}
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if !isUniqueViolation(insertErr) {
					return insertErr
				}
				record, err = findUsageCounterTx(ctx, tx, counters.Principal, counters.Class)
				if err != nil {
					return err
				}
				if record == nil {
					return insertErr
				}
			} else {
				return nil
			}
		}

		record.DailyUsed = counters.DailyUsed
		record.MonthlyUsed = counters.MonthlyUsed
		record.LastResetDaily = counters.LastResetDaily
		record.LastResetMonthly = counters.LastResetMonthly
		record.UpdatedAt = counters.UpdatedAt
		_, err = tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx)
		return err
	})
}

func findUsageCounterTx(
	ctx context.Context,
	tx bun.Tx,
	principal string,
	class core.OperationClass,
) (*usageCounterRecord, error) {
	record := &usageCounterRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.principal = ?", strings.TrimSpace(principal)).
		Where("?TableAlias.class = ?", string(class)).
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
