package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/anchorledger/custody-core/core"
	custodymigrations "github.com/anchorledger/custody-core/migrations"
	sqlstore "github.com/anchorledger/custody-core/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "custody-core-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"custody_operations",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "custody_operations" {
		t.Fatalf("expected custody_operations table, got %q", tableName)
	}
}

func TestOperationStore_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.OperationStore()

	first, created, err := store.Create(ctx, core.CreateOperationInput{
		Kind:           core.OperationKindBtcDeposit,
		Principal:      "GALICE",
		Amount:         250_000,
		ExternalRef:    "btc:deadbeef:0",
		IdempotencyKey: "dep-1",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if !created {
		t.Fatalf("expected first create to insert")
	}
	if first.Status != core.OperationStatusPending {
		t.Fatalf("expected pending status, got %s", first.Status)
	}

	second, created, err := store.Create(ctx, core.CreateOperationInput{
		Kind:           core.OperationKindBtcDeposit,
		Principal:      "GALICE",
		Amount:         250_000,
		ExternalRef:    "btc:deadbeef:0",
		IdempotencyKey: "dep-1",
	})
	if err != nil {
		t.Fatalf("create duplicate operation: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate create to collapse")
	}
	if second.ID != first.ID {
		t.Fatalf("expected duplicate to return first operation id")
	}

	// Same chain reference with a fresh idempotency key still collapses
	// while the original is live.
	third, created, err := store.Create(ctx, core.CreateOperationInput{
		Kind:           core.OperationKindBtcDeposit,
		Principal:      "GALICE",
		Amount:         250_000,
		ExternalRef:    "btc:deadbeef:0",
		IdempotencyKey: "dep-2",
	})
	if err != nil {
		t.Fatalf("create by external ref: %v", err)
	}
	if created || third.ID != first.ID {
		t.Fatalf("expected external ref dedupe to return first operation")
	}
}

func TestOperationStore_TransitionCASAndSteps(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.OperationStore()

	op, _, err := store.Create(ctx, core.CreateOperationInput{
		Kind:        core.OperationKindBtcDeposit,
		Principal:   "GALICE",
		Amount:      100_000,
		ExternalRef: "btc:cafe:1",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	updated, err := store.Transition(ctx, op.ID, core.OperationStatusPending, core.OperationStatusKycVerifying, &core.StepRecord{
		Service: "compliance",
		Name:    "kyc_check",
		Outcome: core.StepOutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("transition to kyc_verifying: %v", err)
	}
	if updated.Status != core.OperationStatusKycVerifying {
		t.Fatalf("expected kyc_verifying, got %s", updated.Status)
	}
	if len(updated.Steps) != 1 || updated.Steps[0].Index != 0 {
		t.Fatalf("expected one step with index 0, got %+v", updated.Steps)
	}

	if _, err := store.Transition(ctx, op.ID, core.OperationStatusPending, core.OperationStatusKycVerifying, nil); err == nil {
		t.Fatalf("expected stale expected status to fail")
	} else if core.KindOf(err) != core.ErrorKindConcurrentUpdate {
		t.Fatalf("expected concurrent_update, got %s", core.KindOf(err))
	}

	if _, err := store.Transition(ctx, op.ID, core.OperationStatusKycVerifying, core.OperationStatusMinting, nil); err == nil {
		t.Fatalf("expected invalid transition to fail")
	} else if core.KindOf(err) != core.ErrorKindInvalidState {
		t.Fatalf("expected invalid_state, got %s", core.KindOf(err))
	}

	if err := store.AppendStep(ctx, op.ID, core.StepRecord{
		Service: "chain",
		Name:    "register_deposit",
		Outcome: core.StepOutcomeFailed,
	}); err != nil {
		t.Fatalf("append step: %v", err)
	}
	fetched, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if len(fetched.Steps) != 2 || fetched.Steps[1].Index != 1 {
		t.Fatalf("expected appended step index 1, got %+v", fetched.Steps)
	}

	if err := store.SetError(ctx, op.ID, core.ErrorKindCallFailed, "register_deposit failed"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	fetched, err = store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("get operation after error: %v", err)
	}
	if fetched.LastErrorKind != string(core.ErrorKindCallFailed) {
		t.Fatalf("expected last error kind recorded, got %q", fetched.LastErrorKind)
	}
}

func TestOperationStore_LookupByExternalRef(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.OperationStore()

	op, _, err := store.Create(ctx, core.CreateOperationInput{
		Kind:        core.OperationKindTokenWithdrawal,
		Principal:   "GBOB",
		TokenAmount: 5_000,
		ExternalRef: "wd:1",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	found, err := store.LookupByExternalRef(ctx, core.OperationKindTokenWithdrawal, "wd:1")
	if err != nil {
		t.Fatalf("lookup by external ref: %v", err)
	}
	if found.ID != op.ID {
		t.Fatalf("expected lookup to return created operation")
	}

	if _, err := store.LookupByExternalRef(ctx, core.OperationKindBtcDeposit, "wd:1"); !errors.Is(err, core.ErrOperationNotFound) {
		t.Fatalf("expected not found for mismatched kind, got %v", err)
	}
}

func TestEventCursorStore_AdvanceCAS(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.EventCursorStore()

	position, err := store.Load(ctx, "chain-events")
	if err != nil {
		t.Fatalf("load new cursor: %v", err)
	}
	if position != 0 {
		t.Fatalf("expected fresh cursor at 0, got %d", position)
	}

	if err := store.Advance(ctx, "chain-events", 0, 120); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	if err := store.Advance(ctx, "chain-events", 0, 130); !errors.Is(err, core.ErrCursorConflict) {
		t.Fatalf("expected cursor conflict, got %v", err)
	}
	if err := store.Advance(ctx, "chain-events", 120, 100); !errors.Is(err, core.ErrCursorConflict) {
		t.Fatalf("expected regression rejection, got %v", err)
	}
	if err := store.Advance(ctx, "chain-events", 120, 150); err != nil {
		t.Fatalf("advance cursor again: %v", err)
	}

	position, err = store.Load(ctx, "chain-events")
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if position != 150 {
		t.Fatalf("expected cursor at 150, got %d", position)
	}
}

func TestUsageStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.UsageStore()

	if _, err := store.Get(ctx, "GALICE", core.OperationClassDeposit); !errors.Is(err, core.ErrUsageNotFound) {
		t.Fatalf("expected usage not found, got %v", err)
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	counters := core.UsageCounters{
		Principal:        "GALICE",
		Class:            core.OperationClassDeposit,
		DailyUsed:        50_000,
		MonthlyUsed:      200_000,
		LastResetDaily:   now,
		LastResetMonthly: now,
		UpdatedAt:        now,
	}
	if err := store.Upsert(ctx, counters); err != nil {
		t.Fatalf("upsert usage: %v", err)
	}

	counters.DailyUsed = 75_000
	if err := store.Upsert(ctx, counters); err != nil {
		t.Fatalf("upsert usage again: %v", err)
	}

	fetched, err := store.Get(ctx, "GALICE", core.OperationClassDeposit)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if fetched.DailyUsed != 75_000 || fetched.MonthlyUsed != 200_000 {
		t.Fatalf("expected updated counters, got %+v", fetched)
	}
}

func TestReconciliationStore_AppendLatestAcknowledge(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.ReconciliationStore()

	first, err := store.Append(ctx, core.ReconciliationResult{
		ObservedReserves: 1_000_000,
		ObservedSupply:   1_000_000,
		ExpectedRatioBP:  10_000,
		ActualRatioBP:    10_000,
		Status:           core.ReconciliationStatusBalanced,
		CreatedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("append first result: %v", err)
	}
	if first.ID == "" {
		t.Fatalf("expected assigned result id")
	}

	second, err := store.Append(ctx, core.ReconciliationResult{
		ObservedReserves: 980_000,
		ObservedSupply:   1_000_000,
		ExpectedRatioBP:  10_000,
		ActualRatioBP:    9_800,
		DiscrepancyBP:    200,
		Status:           core.ReconciliationStatusDiscrepancy,
		CreatedAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("append second result: %v", err)
	}

	latest, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected latest to return most recent result")
	}

	if err := store.Acknowledge(ctx, second.ID, ""); err == nil {
		t.Fatalf("expected acknowledge without role to fail")
	}
	if err := store.Acknowledge(ctx, second.ID, "treasury-ops"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	latest, err = store.Latest(ctx)
	if err != nil {
		t.Fatalf("latest after acknowledge: %v", err)
	}
	if latest.AcknowledgedBy != "treasury-ops" || latest.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledgement recorded, got %+v", latest)
	}
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:custody-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	err = custodymigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != custodymigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, custodymigrations.WithValidationTargets(custodymigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
