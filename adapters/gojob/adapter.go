package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anchorledger/custody-core/core"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	JobIDRetryDrain     = "custody.retry.drain"
	JobIDMonitorPoll    = "custody.monitor.poll"
	JobIDReconcile      = "custody.reconcile"
	JobIDReconcileProof = "custody.reconcile.proof"
)

// DedupDrop collapses duplicate enqueues of the same tick when two
// schedulers race on the same queue.
const DedupDrop = job.DeduplicationPolicy("drop")

// RetryDrainer is satisfied by *orchestrator.Engine.
type RetryDrainer interface {
	DrainRetries(ctx context.Context) int
}

// ChainPoller is satisfied by *monitor.Monitor.
type ChainPoller interface {
	Poll(ctx context.Context) (int, error)
}

// ReserveAuditor is satisfied by *reconciler.Reconciler.
type ReserveAuditor interface {
	Run(ctx context.Context) (core.ReconciliationResult, error)
	RunProof(ctx context.Context) (core.ReconciliationResult, error)
}

// Executor dispatches dequeued job messages to the custody components.
type Executor struct {
	drainer    RetryDrainer
	poller     ChainPoller
	reconciler ReserveAuditor
	logger     core.Logger
	metrics    core.MetricsRecorder
}

type ExecutorOption func(*Executor)

func WithExecutorLogger(logger core.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithExecutorMetrics(metrics core.MetricsRecorder) ExecutorOption {
	return func(e *Executor) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

func NewExecutor(drainer RetryDrainer, poller ChainPoller, reconciler ReserveAuditor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		drainer:    drainer,
		poller:     poller,
		reconciler: reconciler,
		logger:     glog.NewLogger(glog.WithName("gojob")),
		metrics:    core.NopMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, msg *job.ExecutionMessage) error {
	if e == nil {
		return fmt.Errorf("gojob: executor is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}

	jobID := strings.TrimSpace(msg.JobID)
	started := time.Now()
	var err error
	switch jobID {
	case JobIDRetryDrain:
		if e.drainer == nil {
			err = fmt.Errorf("gojob: retry drainer is not configured")
			break
		}
		released := e.drainer.DrainRetries(ctx)
		if released > 0 {
			e.logger.Debug("released retries", "count", released)
		}
	case JobIDMonitorPoll:
		if e.poller == nil {
			err = fmt.Errorf("gojob: chain poller is not configured")
			break
		}
		_, err = e.poller.Poll(ctx)
	case JobIDReconcile:
		if e.reconciler == nil {
			err = fmt.Errorf("gojob: reserve auditor is not configured")
			break
		}
		_, err = e.reconciler.Run(ctx)
	case JobIDReconcileProof:
		if e.reconciler == nil {
			err = fmt.Errorf("gojob: reserve auditor is not configured")
			break
		}
		_, err = e.reconciler.RunProof(ctx)
	default:
		err = fmt.Errorf("gojob: unknown job id %q", jobID)
	}

	tags := map[string]string{"job_id": jobID}
	e.metrics.ObserveHistogram(ctx, "job_duration_ms", float64(time.Since(started).Milliseconds()), tags)
	if err != nil {
		e.metrics.IncCounter(ctx, "job_failures_total", 1, tags)
		return err
	}
	e.metrics.IncCounter(ctx, "job_runs_total", 1, tags)
	return nil
}

// RetryPolicy bounds redelivery of a failed job so a poisoned message
// cannot loop forever.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Normalize clamps nack options against the policy for the given attempt.
func (p RetryPolicy) Normalize(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// Worker consumes deliveries and runs them through the executor. Attempts
// are tracked per idempotency key so the retry policy sees redeliveries.
type Worker struct {
	dequeuer queue.Dequeuer
	executor *Executor
	policy   RetryPolicy
	logger   core.Logger
	attempts map[string]int
}

func NewWorker(dequeuer queue.Dequeuer, executor *Executor, policy RetryPolicy, logger core.Logger) *Worker {
	if logger == nil {
		logger = glog.NewLogger(glog.WithName("gojob.worker"))
	}
	return &Worker{
		dequeuer: dequeuer,
		executor: executor,
		policy:   policy,
		logger:   logger,
		attempts: map[string]int{},
	}
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.dequeuer == nil || w.executor == nil {
		return fmt.Errorf("gojob: worker is not configured")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delivery, err := w.dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		w.handle(ctx, delivery)
	}
}

func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message()
	key := ""
	if msg != nil {
		key = strings.TrimSpace(msg.IdempotencyKey)
	}

	execErr := w.executor.Execute(ctx, msg)
	if execErr == nil {
		if key != "" {
			delete(w.attempts, key)
		}
		if err := delivery.Ack(ctx); err != nil {
			w.logger.Warn("ack failed", "error", err)
		}
		return
	}

	attempt := 1
	if key != "" {
		w.attempts[key]++
		attempt = w.attempts[key]
	}
	opts := w.policy.Normalize(queue.NackOptions{
		Requeue: true,
		Delay:   time.Duration(attempt) * time.Second,
		Reason:  execErr.Error(),
	}, attempt)
	if !opts.Requeue && key != "" {
		delete(w.attempts, key)
	}
	w.logger.Warn("job failed",
		"attempt", attempt,
		"requeue", opts.Requeue,
		"dead_letter", opts.DeadLetter,
		"error", execErr,
	)
	if err := delivery.Nack(ctx, opts); err != nil {
		w.logger.Warn("nack failed", "error", err)
	}
}
