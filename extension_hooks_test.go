package custody

import (
	"context"
	"testing"

	"github.com/anchorledger/custody-core/core"
)

func TestExtensionHooks_RegisterAndApplyEventHandlerPacks(t *testing.T) {
	hooks := NewExtensionHooks()

	var seen []string
	handler := core.EventHandlerFunc{
		HandlerName: "downstream_auditor",
		Fn: func(_ context.Context, event core.ChainEvent) error {
			seen = append(seen, event.Type)
			return nil
		},
	}
	pack := EventHandlerPack{
		Name: "downstream-pack",
		Handlers: map[string][]core.EventHandler{
			core.EventTypeBtcDeposit: {handler},
		},
	}
	if err := hooks.RegisterEventHandlerPack(pack); err != nil {
		t.Fatalf("register event handler pack: %v", err)
	}
	if err := hooks.RegisterEventHandlerPack(pack); err == nil {
		t.Fatalf("expected duplicate pack registration error")
	}

	f := newRuntimeFixture(t)
	if err := hooks.ApplyEventHandlerPacks(f.runtime.Monitor()); err != nil {
		t.Fatalf("apply event handler packs: %v", err)
	}

	f.ledger.AppendEvent(core.ChainEvent{
		Type:           core.EventTypeBtcDeposit,
		LedgerSequence: 1,
	})
	if _, err := f.runtime.Monitor().Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(seen) != 1 || seen[0] != core.EventTypeBtcDeposit {
		t.Fatalf("expected downstream handler to observe the deposit event, got %v", seen)
	}
}

func TestExtensionHooks_RejectsInvalidPacks(t *testing.T) {
	hooks := NewExtensionHooks()

	if err := hooks.RegisterEventHandlerPack(EventHandlerPack{Name: ""}); err == nil {
		t.Fatalf("expected name validation error")
	}
	if err := hooks.RegisterEventHandlerPack(EventHandlerPack{Name: "empty"}); err == nil {
		t.Fatalf("expected missing handlers error")
	}
	if err := hooks.RegisterEventHandlerPack(EventHandlerPack{
		Name:     "blank-type",
		Handlers: map[string][]core.EventHandler{" ": {core.EventHandlerFunc{HandlerName: "h"}}},
	}); err == nil {
		t.Fatalf("expected empty event type error")
	}
}

func TestExtensionHooks_BuildCommandQueryBundles(t *testing.T) {
	hooks := NewExtensionHooks()

	type auditBundle struct {
		runtime *Runtime
	}
	if err := hooks.RegisterCommandQueryBundle("audit", func(runtime *Runtime) (any, error) {
		return auditBundle{runtime: runtime}, nil
	}); err != nil {
		t.Fatalf("register bundle: %v", err)
	}
	if err := hooks.RegisterCommandQueryBundle("audit", func(*Runtime) (any, error) {
		return nil, nil
	}); err == nil {
		t.Fatalf("expected duplicate bundle registration error")
	}

	if _, err := hooks.BuildCommandQueryBundles(nil); err == nil {
		t.Fatalf("expected runtime requirement error")
	}

	f := newRuntimeFixture(t)
	bundles, err := hooks.BuildCommandQueryBundles(f.runtime)
	if err != nil {
		t.Fatalf("build bundles: %v", err)
	}
	built, ok := bundles["audit"].(auditBundle)
	if !ok || built.runtime != f.runtime {
		t.Fatalf("expected audit bundle bound to the runtime, got %#v", bundles["audit"])
	}

	names := hooks.BundleNames()
	if len(names) != 1 || names[0] != "audit" {
		t.Fatalf("unexpected bundle names %v", names)
	}
}
