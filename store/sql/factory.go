package sqlstore

import (
	"database/sql"
	"fmt"

	"github.com/anchorledger/custody-core/core"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	_ "github.com/lib/pq"
)

type RepositoryFactory struct {
	db *bun.DB

	operationStore      *OperationStore
	usageStore          *UsageStore
	reconciliationStore *ReconciliationStore
	eventCursorStore    *EventCursorStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

// NewRepositoryFactoryFromPostgresDSN opens a postgres connection and
// builds the stores on it. The caller owns closing the returned factory's
// DB handle.
func NewRepositoryFactoryFromPostgresDSN(dsn string) (*RepositoryFactory, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: postgres dsn is required")
	}
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	return NewRepositoryFactoryFromDB(bun.NewDB(sqldb, pgdialect.New()))
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.operationStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) OperationStore() core.OperationStore {
	if f == nil {
		return nil
	}
	return f.operationStore
}

func (f *RepositoryFactory) UsageStore() core.UsageStore {
	if f == nil {
		return nil
	}
	return f.usageStore
}

func (f *RepositoryFactory) ReconciliationStore() core.ReconciliationStore {
	if f == nil {
		return nil
	}
	return f.reconciliationStore
}

func (f *RepositoryFactory) EventCursorStore() core.EventCursorStore {
	if f == nil {
		return nil
	}
	return f.eventCursorStore
}

func (f *RepositoryFactory) initStores() error {
	operationStore, err := NewOperationStore(f.db)
	if err != nil {
		return err
	}
	f.operationStore = operationStore

	usageStore, err := NewUsageStore(f.db)
	if err != nil {
		return err
	}
	f.usageStore = usageStore

	reconciliationStore, err := NewReconciliationStore(f.db)
	if err != nil {
		return err
	}
	f.reconciliationStore = reconciliationStore

	eventCursorStore, err := NewEventCursorStore(f.db)
	if err != nil {
		return err
	}
	f.eventCursorStore = eventCursorStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
