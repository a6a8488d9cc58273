package gojob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anchorledger/custody-core/core"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	glog "github.com/goliatone/go-logger/glog"
)

// Schedule is one periodic job on the queue.
type Schedule struct {
	JobID string
	Every time.Duration
}

// SchedulesFromConfig derives the background cadence from runtime config.
// A zero or negative frequency disables that schedule.
func SchedulesFromConfig(cfg core.Config) []Schedule {
	pollEvery := time.Duration(cfg.Monitor.PollIntervalS) * time.Second
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	reconcileEvery := time.Duration(cfg.Reconciler.FrequencyS) * time.Second
	if reconcileEvery <= 0 {
		reconcileEvery = time.Hour
	}
	proofEvery := time.Duration(cfg.Reconciler.ProofFrequencyS) * time.Second
	if proofEvery <= 0 {
		proofEvery = 24 * time.Hour
	}
	return []Schedule{
		{JobID: JobIDRetryDrain, Every: time.Second},
		{JobID: JobIDMonitorPoll, Every: pollEvery},
		{JobID: JobIDReconcile, Every: reconcileEvery},
		{JobID: JobIDReconcileProof, Every: proofEvery},
	}
}

// Scheduler enqueues one execution message per schedule tick. Idempotency
// keys carry the tick timestamp so a racing second scheduler dedupes
// instead of doubling the work.
type Scheduler struct {
	enqueuer  queue.Enqueuer
	schedules []Schedule
	logger    core.Logger
	now       func() time.Time
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScheduler(enqueuer queue.Enqueuer, schedules []Schedule, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		enqueuer:  enqueuer,
		schedules: schedules,
		logger:    glog.NewLogger(glog.WithName("gojob.scheduler")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: scheduler is not configured")
	}

	var wg sync.WaitGroup
	for _, schedule := range s.schedules {
		if schedule.Every <= 0 {
			continue
		}
		wg.Add(1)
		go func(schedule Schedule) {
			defer wg.Done()
			ticker := time.NewTicker(schedule.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.tick(ctx, schedule.JobID)
				}
			}
		}(schedule)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) tick(ctx context.Context, jobID string) {
	msg := &job.ExecutionMessage{
		JobID:          jobID,
		IdempotencyKey: fmt.Sprintf("%s:%d", jobID, s.now().Unix()),
		Parameters:     map[string]any{},
		DedupPolicy:    DedupDrop,
	}
	if err := s.enqueuer.Enqueue(ctx, msg); err != nil {
		s.logger.Warn("enqueue failed", "job_id", jobID, "error", err)
	}
}
