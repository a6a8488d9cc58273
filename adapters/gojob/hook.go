package gojob

import (
	"context"
	"strings"

	"github.com/anchorledger/custody-core/core"
	"github.com/goliatone/go-job/queue/worker"
)

// MetricsHook mirrors worker lifecycle events into the custody metrics
// recorder so queue health shows up next to workflow counters.
type MetricsHook struct {
	metrics core.MetricsRecorder
}

func NewMetricsHook(metrics core.MetricsRecorder) *MetricsHook {
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &MetricsHook{metrics: metrics}
}

func (h *MetricsHook) OnStart(ctx context.Context, event worker.Event) {
	h.count(ctx, "worker_jobs_started_total", event)
}

func (h *MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.count(ctx, "worker_jobs_succeeded_total", event)
	h.metrics.ObserveHistogram(ctx, "worker_job_duration_ms",
		float64(event.Duration.Milliseconds()), eventTags(event))
}

func (h *MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.count(ctx, "worker_jobs_failed_total", event)
}

func (h *MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.count(ctx, "worker_jobs_retried_total", event)
}

func (h *MetricsHook) count(ctx context.Context, name string, event worker.Event) {
	if h == nil || h.metrics == nil {
		return
	}
	h.metrics.IncCounter(ctx, name, 1, eventTags(event))
}

func eventTags(event worker.Event) map[string]string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	jobID := "unknown"
	if message != nil && strings.TrimSpace(message.JobID) != "" {
		jobID = strings.TrimSpace(message.JobID)
	}
	return map[string]string{"job_id": jobID}
}

var _ worker.Hook = (*MetricsHook)(nil)
