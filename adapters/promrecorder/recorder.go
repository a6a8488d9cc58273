package promrecorder

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/anchorledger/custody-core/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder exposes custody counters and histograms through a Prometheus
// registry. Vectors are created lazily on first use; the label set a
// metric is first observed with becomes its fixed schema, later calls are
// projected onto it.
type Recorder struct {
	namespace  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prometheus.HistogramVec
	labels []string
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitize(namespace)
	}
}

func New(registerer prometheus.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		namespace:  "custody",
		registerer: registerer,
		counters:   map[string]*counterEntry{},
		histograms: map[string]*histogramEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value == 0 {
		return
	}
	entry := r.counter(name, tags)
	if entry == nil {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	entry := r.histogram(name, tags)
	if entry == nil {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) *counterEntry {
	name = sanitize(name)
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.counters[name]; ok {
		return entry
	}
	labels := labelNames(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      name,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		return nil
	}
	entry := &counterEntry{vec: vec, labels: labels}
	r.counters[name] = entry
	return entry
}

func (r *Recorder) histogram(name string, tags map[string]string) *histogramEntry {
	name = sanitize(name)
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.histograms[name]; ok {
		return entry
	}
	labels := labelNames(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		return nil
	}
	entry := &histogramEntry{vec: vec, labels: labels}
	r.histograms[name] = entry
	return entry
}

func labelNames(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	names := make([]string, 0, len(tags))
	for key := range tags {
		key = sanitize(key)
		if key != "" {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	values := make([]string, len(labels))
	for i, label := range labels {
		for key, value := range tags {
			if sanitize(key) == label {
				values[i] = value
				break
			}
		}
	}
	return values
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
