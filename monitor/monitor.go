package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anchorledger/custody-core/core"
	glog "github.com/goliatone/go-logger/glog"
)

// Wildcard subscribes a handler to every recognized event type.
const Wildcard = "*"

// Stats is a point-in-time snapshot of the monitor's dispatch counters.
type Stats struct {
	Polls            uint64
	TotalProcessed   uint64
	UnknownDropped   uint64
	HandlerFailures  uint64
	ByType           map[string]uint64
	ByContract       map[string]uint64
	LastLedger       uint64
	AvgProcessingMS  float64
	ConsecutiveFails int
	LastPollAt       time.Time
}

// Monitor tails chain events behind a durable cursor and fans them out to
// registered handlers. The cursor only moves forward after a batch is fully
// dispatched, so a crashed monitor resumes without dropping ledgers; handlers
// must tolerate the replay that implies.
type Monitor struct {
	cfg     core.MonitorConfig
	chain   core.ChainClient
	cursors core.EventCursorStore

	logger  core.Logger
	metrics core.MetricsRecorder
	alerts  core.AlertSink
	now     func() time.Time

	mu          sync.Mutex
	handlers    map[string][]core.EventHandler
	paused      bool
	pauseReason string
	failures    int

	polls           uint64
	totalProcessed  uint64
	unknownDropped  uint64
	handlerFailures uint64
	byType          map[string]uint64
	byContract      map[string]uint64
	lastLedger      uint64
	processingMS    int64
	lastPollAt      time.Time
}

type Option func(*Monitor)

func WithLogger(logger core.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(m *Monitor) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

func WithAlerts(alerts core.AlertSink) Option {
	return func(m *Monitor) {
		if alerts != nil {
			m.alerts = alerts
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func New(cfg core.MonitorConfig, chain core.ChainClient, cursors core.EventCursorStore, options ...Option) (*Monitor, error) {
	if chain == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "monitor: chain client is required")
	}
	if cursors == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "monitor: cursor store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 5
	}
	if strings.TrimSpace(cfg.StreamID) == "" {
		cfg.StreamID = "custody-events"
	}

	monitor := &Monitor{
		cfg:        cfg,
		chain:      chain,
		cursors:    cursors,
		logger:     glog.NewLogger(glog.WithName("monitor")),
		metrics:    core.NopMetricsRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
		handlers:   map[string][]core.EventHandler{},
		byType:     map[string]uint64{},
		byContract: map[string]uint64{},
	}
	for _, opt := range options {
		if opt != nil {
			opt(monitor)
		}
	}
	return monitor, nil
}

// Register subscribes a handler to an event type, or to every type when
// eventType is Wildcard.
func (m *Monitor) Register(eventType string, handler core.EventHandler) {
	if m == nil || handler == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return
	}
	m.mu.Lock()
	m.handlers[eventType] = append(m.handlers[eventType], handler)
	m.mu.Unlock()
}

// Poll fetches and dispatches the next batch of events. It returns the
// number of events dispatched. A paused monitor polls as a no-op until
// Resume is called.
func (m *Monitor) Poll(ctx context.Context) (int, error) {
	if m == nil {
		return 0, fmt.Errorf("monitor: monitor is nil")
	}
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		m.metrics.IncCounter(ctx, "monitor_paused_polls_total", 1, nil)
		return 0, nil
	}
	m.mu.Unlock()

	position, err := m.cursors.Load(ctx, m.cfg.StreamID)
	if err != nil {
		return 0, m.pollFailed(ctx, err)
	}

	filter := core.EventFilter{Types: m.cfg.EnabledEvents}
	events, latest, err := m.chain.FetchEvents(ctx, filter, position+1, m.cfg.BatchSize)
	if err != nil {
		return 0, m.pollFailed(ctx, err)
	}

	dispatched := 0
	highest := position
	for _, event := range events {
		if event.LedgerSequence > highest {
			highest = event.LedgerSequence
		}
		if !core.KnownEventType(event.Type) {
			m.mu.Lock()
			m.unknownDropped++
			m.mu.Unlock()
			m.metrics.IncCounter(ctx, "monitor_unknown_events_total", 1, map[string]string{"type": event.Type})
			m.logger.Debug("dropping unknown event type", "type", event.Type, "ledger", event.LedgerSequence)
			continue
		}
		m.dispatch(ctx, event)
		dispatched++
	}

	// A short batch means the stream is drained; jump the cursor to the
	// chain head so empty ledgers are not refetched forever.
	next := highest
	if len(events) < m.cfg.BatchSize && latest > next {
		next = latest
	}
	if next > position {
		if err := m.cursors.Advance(ctx, m.cfg.StreamID, position, next); err != nil {
			// Another monitor instance owns the stream now; its advance
			// covered these events.
			m.logger.Warn("cursor advanced concurrently", "stream_id", m.cfg.StreamID, "error", err)
			return dispatched, nil
		}
	}

	m.mu.Lock()
	m.failures = 0
	m.polls++
	m.lastLedger = next
	m.lastPollAt = m.now()
	m.mu.Unlock()
	return dispatched, nil
}

func (m *Monitor) dispatch(ctx context.Context, event core.ChainEvent) {
	started := m.now()
	handlers := m.handlersFor(event.Type)
	for _, handler := range handlers {
		if err := handler.Handle(ctx, event); err != nil {
			m.mu.Lock()
			m.handlerFailures++
			m.mu.Unlock()
			m.metrics.IncCounter(ctx, "monitor_handler_failures_total", 1, map[string]string{
				"handler": handler.Name(),
				"type":    event.Type,
			})
			m.logger.Error("event handler failed",
				"handler", handler.Name(),
				"type", event.Type,
				"ledger", event.LedgerSequence,
				"error", err,
			)
		}
	}
	elapsed := m.now().Sub(started)

	m.mu.Lock()
	m.totalProcessed++
	m.byType[event.Type]++
	if event.ContractAddress != "" {
		m.byContract[event.ContractAddress]++
	}
	m.processingMS += elapsed.Milliseconds()
	m.mu.Unlock()

	m.metrics.IncCounter(ctx, "monitor_events_total", 1, map[string]string{"type": event.Type})
	m.metrics.ObserveHistogram(ctx, "monitor_event_processing_seconds", elapsed.Seconds(), map[string]string{"type": event.Type})
}

func (m *Monitor) handlersFor(eventType string) []core.EventHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	handlers := append([]core.EventHandler(nil), m.handlers[eventType]...)
	return append(handlers, m.handlers[Wildcard]...)
}

// pollFailed tracks consecutive failures and pauses the monitor once the
// budget is exhausted. Paused monitors need an explicit operator Resume.
func (m *Monitor) pollFailed(ctx context.Context, cause error) error {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	shouldPause := failures >= m.cfg.MaxPollFailures && !m.paused
	if shouldPause {
		m.paused = true
		m.pauseReason = cause.Error()
	}
	m.mu.Unlock()

	m.metrics.IncCounter(ctx, "monitor_poll_failures_total", 1, nil)
	m.logger.Error("poll failed", "consecutive", failures, "error", cause)

	if shouldPause {
		m.logger.Error("monitor paused after repeated poll failures", "failures", failures)
		m.raisePaused(ctx, failures, cause)
	}
	return core.WrapError(core.ErrorKindExternalUnavailable, cause, "monitor: event poll failed")
}

func (m *Monitor) raisePaused(ctx context.Context, failures int, cause error) {
	if m.alerts == nil {
		return
	}
	alert := core.Alert{
		Kind:     "monitor_paused",
		Severity: core.AlertSeverityCritical,
		Message:  fmt.Sprintf("event monitor paused after %d consecutive poll failures", failures),
		Metadata: map[string]any{
			"stream_id": m.cfg.StreamID,
			"cause":     cause.Error(),
		},
		OccurredAt: m.now(),
	}
	if err := m.alerts.Raise(ctx, alert); err != nil {
		m.logger.Error("raise monitor alert", "error", err)
	}
}

// Resume clears a pause and the failure streak.
func (m *Monitor) Resume() {
	if m == nil {
		return
	}
	m.mu.Lock()
	wasPaused := m.paused
	m.paused = false
	m.pauseReason = ""
	m.failures = 0
	m.mu.Unlock()
	if wasPaused {
		m.logger.Info("monitor resumed")
	}
}

func (m *Monitor) Paused() (bool, string) {
	if m == nil {
		return false, ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused, m.pauseReason
}

func (m *Monitor) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[string]uint64, len(m.byType))
	for k, v := range m.byType {
		byType[k] = v
	}
	byContract := make(map[string]uint64, len(m.byContract))
	for k, v := range m.byContract {
		byContract[k] = v
	}
	var avg float64
	if m.totalProcessed > 0 {
		avg = float64(m.processingMS) / float64(m.totalProcessed)
	}
	return Stats{
		Polls:            m.polls,
		TotalProcessed:   m.totalProcessed,
		UnknownDropped:   m.unknownDropped,
		HandlerFailures:  m.handlerFailures,
		ByType:           byType,
		ByContract:       byContract,
		LastLedger:       m.lastLedger,
		AvgProcessingMS:  avg,
		ConsecutiveFails: m.failures,
		LastPollAt:       m.lastPollAt,
	}
}
