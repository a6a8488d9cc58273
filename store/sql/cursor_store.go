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

// EventCursorStore persists the monitor dispatch watermark per stream.
// Advance is a guarded update so concurrent monitors cannot both win.
type EventCursorStore struct {
	db   *bun.DB
	repo repository.Repository[*eventCursorRecord]
	now  func() time.Time
}

func NewEventCursorStore(db *bun.DB) (*EventCursorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*eventCursorRecord](db, eventCursorHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid event cursor repository wiring: %w", err)
		}
	}
	return &EventCursorStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *EventCursorStore) Load(ctx context.Context, streamID string) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: event cursor store is not configured")
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return 0, core.NewError(core.ErrorKindParametersInvalid, "sqlstore: stream id is required")
	}
	record := &eventCursorRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.stream_id = ?", streamID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return record.Position, nil
}

func (s *EventCursorStore) Advance(ctx context.Context, streamID string, expected uint64, next uint64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event cursor store is not configured")
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return core.NewError(core.ErrorKindParametersInvalid, "sqlstore: stream id is required")
	}
	if next < expected {
		return fmt.Errorf("%w: %d -> %d", core.ErrCursorConflict, expected, next)
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &eventCursorRecord{}
		err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.stream_id = ?", streamID).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if err != sql.ErrNoRows {
				return err
			}
			if expected != 0 {
				return fmt.Errorf("%w: expected %d, have no cursor", core.ErrCursorConflict, expected)
			}
			now := s.now()
			record = &eventCursorRecord{
				ID:        uuid.NewString(),
				StreamID:  streamID,
				Position:  next,
				UpdatedAt: now,
				CreatedAt: now,
			}
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if isUniqueViolation(insertErr) {
					return fmt.Errorf("%w: cursor created concurrently", core.ErrCursorConflict)
				}
				return insertErr
			}
			return nil
		}

		if record.Position != expected {
			return fmt.Errorf("%w: expected %d, have %d", core.ErrCursorConflict, expected, record.Position)
		}
		result, err := tx.NewUpdate().
			Model((*eventCursorRecord)(nil)).
			Set("position = ?", next).
			Set("updated_at = ?", s.now()).
			Where("stream_id = ?", streamID).
			Where("position = ?", expected).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: cursor advanced concurrently", core.ErrCursorConflict)
		}
		return nil
	})
}
