package gocommand

import (
	"context"
	"testing"

	"github.com/anchorledger/custody-core/breaker"
	ccommand "github.com/anchorledger/custody-core/command"
	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/orchestrator"
	cquery "github.com/anchorledger/custody-core/query"
	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type queueMessage struct{}

func (queueMessage) Type() string { return "custody.command.queue_probe" }

type stubOperations struct {
	deposits int
}

func (s *stubOperations) SubmitDeposit(_ context.Context, req orchestrator.DepositRequest) (core.Operation, error) {
	s.deposits++
	return core.Operation{ID: "op_1", Principal: req.Principal}, nil
}

func (s *stubOperations) SubmitWithdrawal(context.Context, orchestrator.WithdrawalRequest) (core.Operation, error) {
	return core.Operation{}, nil
}

func (s *stubOperations) SubmitExchange(context.Context, orchestrator.ExchangeRequest) (core.Operation, error) {
	return core.Operation{}, nil
}

func (s *stubOperations) ResolveAmbiguous(context.Context, string, string, bool) (core.Operation, error) {
	return core.Operation{}, nil
}

func TestValidateMessageContract(t *testing.T) {
	valid := ccommand.SubmitDepositMessage{Request: orchestrator.DepositRequest{
		Principal: "GALICE",
		BtcTxHash: "btc-tx-1",
		Amount:    1,
	}}
	if err := ValidateMessageContract(valid); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(ccommand.SubmitDepositMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	operations := &stubOperations{}

	sub, err := RegisterAndSubscribe(adapter, ccommand.NewSubmitDepositCommand(operations))
	if err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	msg := ccommand.SubmitDepositMessage{Request: orchestrator.DepositRequest{
		Principal: "GALICE",
		BtcTxHash: "btc-tx-1",
		Amount:    50_000,
	}}
	if err := Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if operations.deposits != 1 {
		t.Fatalf("expected one deposit submission, got %d", operations.deposits)
	}
}

func TestWireRegistersCustodySurfaces(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	halt := core.NewEmergencySwitch()
	store := core.NewMemoryOperationStore()
	breakers := breaker.NewRegistry(core.DefaultConfig().Breakers)

	subscriptions, err := Wire(adapter, Deps{
		Operations:      &stubOperations{},
		BreakerControl:  breakers,
		Halt:            halt,
		OperationReader: store,
		BreakerReader:   breakers,
		HaltReader:      halt,
	})
	if err != nil {
		t.Fatalf("wire custody surfaces: %v", err)
	}
	defer func() {
		for _, sub := range subscriptions {
			sub.Unsubscribe()
		}
	}()

	// 4 operation commands, 2 breaker commands, 2 halt commands,
	// 2 operation queries, 1 breaker query, 1 halt query.
	if len(subscriptions) != 12 {
		t.Fatalf("expected 12 subscriptions, got %d", len(subscriptions))
	}

	snapshots, err := Query[cquery.BreakerSnapshotsMessage, []breaker.Snapshot](
		context.Background(), cquery.BreakerSnapshotsMessage{})
	if err != nil {
		t.Fatalf("breaker snapshots query: %v", err)
	}
	if len(snapshots) == 0 {
		t.Fatalf("expected registry snapshots through the bus")
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := adapter.RegisterCommand(cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if _, ok := queueRegistry.Get("custody.command.queue_probe"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}
