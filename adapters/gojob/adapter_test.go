package gojob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anchorledger/custody-core/core"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

type stubDrainer struct {
	calls    int
	released int
}

func (s *stubDrainer) DrainRetries(context.Context) int {
	s.calls++
	return s.released
}

type stubPoller struct {
	calls int
	err   error
}

func (s *stubPoller) Poll(context.Context) (int, error) {
	s.calls++
	return 0, s.err
}

type stubAuditor struct {
	runs      int
	proofRuns int
}

func (s *stubAuditor) Run(context.Context) (core.ReconciliationResult, error) {
	s.runs++
	return core.ReconciliationResult{}, nil
}

func (s *stubAuditor) RunProof(context.Context) (core.ReconciliationResult, error) {
	s.proofRuns++
	return core.ReconciliationResult{}, nil
}

type stubQueueEnqueuer struct {
	mu       sync.Mutex
	messages []*job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubQueueEnqueuer) byJobID(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, msg := range s.messages {
		if msg != nil && msg.JobID == jobID {
			count++
		}
	}
	return count
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage { return s.msg }

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

func TestExecutorDispatchesByJobID(t *testing.T) {
	ctx := context.Background()
	drainer := &stubDrainer{released: 2}
	poller := &stubPoller{}
	auditor := &stubAuditor{}
	executor := NewExecutor(drainer, poller, auditor)

	for _, jobID := range []string{JobIDRetryDrain, JobIDMonitorPoll, JobIDReconcile, JobIDReconcileProof} {
		if err := executor.Execute(ctx, &job.ExecutionMessage{JobID: jobID}); err != nil {
			t.Fatalf("execute %s: %v", jobID, err)
		}
	}

	if drainer.calls != 1 || poller.calls != 1 {
		t.Fatalf("expected one drain and one poll, got %d and %d", drainer.calls, poller.calls)
	}
	if auditor.runs != 1 || auditor.proofRuns != 1 {
		t.Fatalf("expected one plain and one proof audit, got %d and %d", auditor.runs, auditor.proofRuns)
	}
}

func TestExecutorRejectsUnknownJob(t *testing.T) {
	executor := NewExecutor(&stubDrainer{}, &stubPoller{}, &stubAuditor{})
	if err := executor.Execute(context.Background(), &job.ExecutionMessage{JobID: "custody.mystery"}); err == nil {
		t.Fatalf("expected unknown job error")
	}
	if err := executor.Execute(context.Background(), nil); err == nil {
		t.Fatalf("expected nil message error")
	}
}

func TestRetryPolicyNormalize(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 5 * time.Second, DeadLetterOnMax: true}

	early := policy.Normalize(queue.NackOptions{Requeue: true, Delay: 30 * time.Second}, 1)
	if !early.Requeue || early.DeadLetter {
		t.Fatalf("expected requeue before max attempts: %#v", early)
	}
	if early.Delay != 5*time.Second {
		t.Fatalf("expected delay clamped to 5s, got %v", early.Delay)
	}

	exhausted := policy.Normalize(queue.NackOptions{Requeue: true}, 3)
	if exhausted.Requeue || !exhausted.DeadLetter {
		t.Fatalf("expected dead letter at max attempts: %#v", exhausted)
	}

	noDrop := RetryPolicy{MaxAttempts: 2}.Normalize(queue.NackOptions{}, 5)
	if !noDrop.Requeue && !noDrop.DeadLetter {
		t.Fatalf("message must land somewhere: %#v", noDrop)
	}
}

func TestWorkerAcksSuccessAndNacksFailure(t *testing.T) {
	ctx := context.Background()
	poller := &stubPoller{}
	executor := NewExecutor(&stubDrainer{}, poller, &stubAuditor{})
	workerUnderTest := NewWorker(nil, executor, RetryPolicy{MaxAttempts: 2, DeadLetterOnMax: true}, nil)

	success := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDMonitorPoll, IdempotencyKey: "k1"}}
	workerUnderTest.handle(ctx, success)
	if !success.acked || success.nacked {
		t.Fatalf("expected ack on success: %#v", success)
	}

	poller.err = errors.New("rpc down")
	first := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDMonitorPoll, IdempotencyKey: "k2"}}
	workerUnderTest.handle(ctx, first)
	if !first.nacked || !first.nackOpts.Requeue {
		t.Fatalf("expected requeue on first failure: %#v", first.nackOpts)
	}

	second := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDMonitorPoll, IdempotencyKey: "k2"}}
	workerUnderTest.handle(ctx, second)
	if second.nackOpts.Requeue || !second.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter at max attempts: %#v", second.nackOpts)
	}
}

func TestSchedulerEnqueuesTicks(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	scheduler := NewScheduler(enqueuer, []Schedule{
		{JobID: JobIDRetryDrain, Every: 5 * time.Millisecond},
		{JobID: JobIDReconcile, Every: 0},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = scheduler.Run(ctx)

	if enqueuer.byJobID(JobIDRetryDrain) == 0 {
		t.Fatalf("expected at least one retry drain tick")
	}
	if enqueuer.byJobID(JobIDReconcile) != 0 {
		t.Fatalf("expected disabled schedule to stay silent")
	}
}

func TestSchedulesFromConfigDefaults(t *testing.T) {
	schedules := SchedulesFromConfig(core.Config{})
	byID := map[string]time.Duration{}
	for _, schedule := range schedules {
		byID[schedule.JobID] = schedule.Every
	}
	if byID[JobIDRetryDrain] != time.Second {
		t.Fatalf("unexpected drain cadence %v", byID[JobIDRetryDrain])
	}
	if byID[JobIDMonitorPoll] != 5*time.Second {
		t.Fatalf("unexpected poll cadence %v", byID[JobIDMonitorPoll])
	}
	if byID[JobIDReconcile] != time.Hour || byID[JobIDReconcileProof] != 24*time.Hour {
		t.Fatalf("unexpected reconcile cadence %v / %v", byID[JobIDReconcile], byID[JobIDReconcileProof])
	}

	cfg := core.DefaultConfig()
	cfg.Monitor.PollIntervalS = 2
	custom := SchedulesFromConfig(cfg)
	for _, schedule := range custom {
		if schedule.JobID == JobIDMonitorPoll && schedule.Every != 2*time.Second {
			t.Fatalf("expected configured poll cadence, got %v", schedule.Every)
		}
	}
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (m *countingMetrics) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += value
}

func (m *countingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func TestMetricsHookCountsLifecycle(t *testing.T) {
	metrics := &countingMetrics{}
	hook := NewMetricsHook(metrics)
	event := worker.Event{Message: &job.ExecutionMessage{JobID: JobIDReconcile}}

	ctx := context.Background()
	hook.OnStart(ctx, event)
	hook.OnSuccess(ctx, event)
	hook.OnFailure(ctx, event)
	hook.OnRetry(ctx, event)

	for _, name := range []string{
		"worker_jobs_started_total",
		"worker_jobs_succeeded_total",
		"worker_jobs_failed_total",
		"worker_jobs_retried_total",
	} {
		if metrics.counters[name] != 1 {
			t.Fatalf("expected %s to be 1, got %d", name, metrics.counters[name])
		}
	}
}
