package adapters_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/anchorledger/custody-core/adapters/gocommand"
	"github.com/anchorledger/custody-core/adapters/gojob"
	"github.com/anchorledger/custody-core/adapters/gologger"
	"github.com/anchorledger/custody-core/adapters/promrecorder"
	ccommand "github.com/anchorledger/custody-core/command"
	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// Covers the seams between the runtime adapters: the glog bridges feed
// go-job, the scheduler's ticks round-trip through a queue into the
// executor, and command wrappers mirror into the go-job queue registry.
func TestRuntimeCompatibility_GoJobGoCommandGoLogger(t *testing.T) {
	ctx := context.Background()

	logger := &compatLogger{}
	provider := &compatProvider{logger: logger}

	_, _, jobProvider, jobLogger := gologger.ResolveForJob("custody", provider, nil)
	if jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job logger bridges")
	}

	_, jobsLogger := gologger.Component("custody", "jobs", provider, nil)

	drainer := &compatDrainer{}
	executor := gojob.NewExecutor(drainer, nil, nil, gojob.WithExecutorLogger(jobsLogger))

	enqueuer := &compatEnqueuer{}
	scheduler := gojob.NewScheduler(enqueuer, []gojob.Schedule{
		{JobID: gojob.JobIDRetryDrain, Every: 5 * time.Millisecond},
	})

	schedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_ = scheduler.Run(schedCtx)

	msgs := enqueuer.drain()
	if len(msgs) == 0 {
		t.Fatalf("expected scheduler to enqueue retry drain ticks")
	}
	for _, msg := range msgs {
		if err := executor.Execute(ctx, msg); err != nil {
			t.Fatalf("execute enqueued job: %v", err)
		}
	}
	if drainer.calls == 0 {
		t.Fatalf("expected drainer invocations through the executor")
	}

	queueRegistry := jobqueuecommand.NewRegistry()
	commandAdapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	if err := commandAdapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := commandAdapter.RegisterCommand(command.CommandFunc[compatMessage](func(context.Context, compatMessage) error {
		return nil
	})); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := commandAdapter.Initialize(); err != nil {
		t.Fatalf("initialize command registry: %v", err)
	}
	if _, ok := queueRegistry.Get("custody.compat.command"); !ok {
		t.Fatalf("expected command resolver hook to mirror command into go-job queue registry")
	}
}

// Dispatching through the command bus must reach the orchestration
// service, and job metrics must land in the shared Prometheus registry.
func TestRuntimeCompatibility_CommandBusAndMetrics(t *testing.T) {
	ctx := context.Background()

	svc := &compatOperations{}
	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())

	sub, err := gocommand.RegisterAndSubscribe(adapter, ccommand.NewEngageHaltCommand(svc))
	if err != nil {
		t.Fatalf("register halt wrapper: %v", err)
	}
	defer sub.Unsubscribe()

	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize adapter: %v", err)
	}

	if err := gocommand.Dispatch(ctx, ccommand.EngageHaltMessage{Reason: "reserve breach"}); err != nil {
		t.Fatalf("dispatch halt: %v", err)
	}
	if svc.engageCalls != 1 || svc.lastReason != "reserve breach" {
		t.Fatalf("expected halt dispatch to reach the service, got %d/%q", svc.engageCalls, svc.lastReason)
	}

	reg := prometheus.NewRegistry()
	recorder := promrecorder.New(reg)
	executor := gojob.NewExecutor(&compatDrainer{}, nil, nil, gojob.WithExecutorMetrics(recorder))

	if err := executor.Execute(ctx, &job.ExecutionMessage{JobID: gojob.JobIDRetryDrain}); err != nil {
		t.Fatalf("execute drain job: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "custody_job_runs_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job run counter in registry")
	}
}

type compatMessage struct{}

func (compatMessage) Type() string { return "custody.compat.command" }

type compatDrainer struct {
	calls int
}

func (d *compatDrainer) DrainRetries(context.Context) int {
	d.calls++
	return 0
}

type compatEnqueuer struct {
	mu   sync.Mutex
	msgs []*job.ExecutionMessage
}

func (e *compatEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return nil
}

func (e *compatEnqueuer) drain() []*job.ExecutionMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.msgs
	e.msgs = nil
	return out
}

var _ queue.Enqueuer = (*compatEnqueuer)(nil)

type compatProvider struct {
	logger glog.Logger
}

func (p *compatProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type compatLogger struct{}

func (compatLogger) Trace(string, ...any)                    {}
func (compatLogger) Debug(string, ...any)                    {}
func (compatLogger) Info(string, ...any)                     {}
func (compatLogger) Warn(string, ...any)                     {}
func (compatLogger) Error(string, ...any)                    {}
func (compatLogger) Fatal(string, ...any)                    {}
func (compatLogger) WithContext(context.Context) glog.Logger { return compatLogger{} }

type compatOperations struct {
	engageCalls int
	lastReason  string
}

func (s *compatOperations) Engage(reason string) {
	s.engageCalls++
	s.lastReason = reason
}

func (s *compatOperations) Release() {}
