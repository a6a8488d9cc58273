package custody

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/anchorledger/custody-core/core"
	"github.com/anchorledger/custody-core/monitor"
)

// EventHandlerPack is a named set of chain event handlers contributed by
// an embedder, keyed by the event type they subscribe to.
type EventHandlerPack struct {
	Name     string
	Handlers map[string][]core.EventHandler
}

// BundleFactory builds an embedder-owned command/query bundle over the
// assembled runtime.
type BundleFactory func(runtime *Runtime) (any, error)

// ExtensionHooks collects event handler packs and command/query bundle
// factories before the runtime exists, so embedders compose extensions
// at init time and apply them once assembly is done.
type ExtensionHooks struct {
	mu sync.RWMutex

	handlerPacks map[string]EventHandlerPack
	bundles      map[string]BundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		handlerPacks: map[string]EventHandlerPack{},
		bundles:      map[string]BundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterEventHandlerPack(pack EventHandlerPack) error {
	if h == nil {
		return fmt.Errorf("custody: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("custody: event handler pack name is required")
	}
	if len(pack.Handlers) == 0 {
		return fmt.Errorf("custody: event handler pack %q has no handlers", name)
	}

	normalized := EventHandlerPack{
		Name:     name,
		Handlers: map[string][]core.EventHandler{},
	}
	for eventType, handlers := range pack.Handlers {
		eventType = strings.TrimSpace(eventType)
		if eventType == "" {
			return fmt.Errorf("custody: event handler pack %q has an empty event type", name)
		}
		if len(handlers) == 0 {
			return fmt.Errorf("custody: event handler pack %q has no handlers for %q", name, eventType)
		}
		normalized.Handlers[eventType] = append([]core.EventHandler(nil), handlers...)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlerPacks[name]; exists {
		return fmt.Errorf("custody: event handler pack %q already registered", name)
	}
	h.handlerPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(name string, factory BundleFactory) error {
	if h == nil {
		return fmt.Errorf("custody: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("custody: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("custody: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("custody: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyEventHandlerPacks registers every contributed handler on the
// monitor, pack by pack in name order.
func (h *ExtensionHooks) ApplyEventHandlerPacks(m *monitor.Monitor) error {
	if h == nil {
		return nil
	}
	if m == nil {
		return fmt.Errorf("custody: monitor is required")
	}

	for _, pack := range h.EventHandlerPacks() {
		eventTypes := make([]string, 0, len(pack.Handlers))
		for eventType := range pack.Handlers {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)
		for _, eventType := range eventTypes {
			for _, handler := range pack.Handlers[eventType] {
				if handler == nil {
					return fmt.Errorf("custody: event handler pack %q contains nil handler for %q", pack.Name, eventType)
				}
				m.Register(eventType, handler)
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(runtime *Runtime) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if runtime == nil {
		return nil, fmt.Errorf("custody: runtime is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]BundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](runtime)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) EventHandlerPacks() []EventHandlerPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.handlerPacks))
	for name := range h.handlerPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]EventHandlerPack, 0, len(names))
	for _, name := range names {
		pack := h.handlerPacks[name]
		copied := EventHandlerPack{Name: pack.Name, Handlers: map[string][]core.EventHandler{}}
		for eventType, handlers := range pack.Handlers {
			copied.Handlers[eventType] = append([]core.EventHandler(nil), handlers...)
		}
		out = append(out, copied)
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
