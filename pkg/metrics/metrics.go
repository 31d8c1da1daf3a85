// Package metrics is the Prometheus-backed stats.Sink, generalizing the
// counters the teacher's worker process exposed on /metrics
// (goqueue_processed_total, goqueue_task_duration_seconds,
// goqueue_queue_depth) to the scheduler's own event vocabulary.
package metrics

import (
	"github.com/guido-cesarano/taskforge/pkg/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is a stats.Sink that records every event as a Prometheus counter
// labeled by event name, plus a couple of event-specific
// histograms for the timings the original code passed as extra fields
// (pending_ms, runtime_ms).
type Sink struct {
	events        *prometheus.CounterVec
	pendingMillis *prometheus.HistogramVec
	runtimeMillis *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
}

// NewSink registers the scheduler's metrics against reg (use
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
func NewSink(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_events_total",
			Help: "Scheduler lifecycle events by name.",
		}, []string{"event"}),
		pendingMillis: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskforge_pending_ms",
			Help:    "Time a task spent pending before being reaped, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14),
		}, []string{"event"}),
		runtimeMillis: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskforge_runtime_ms",
			Help:    "Task run duration, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14),
		}, []string{"event"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskforge_queue_depth",
			Help: "Number of entries in the dispatch queue.",
		}, []string{"queue"}),
	}
}

// AddRunEntry implements stats.Sink.
func (s *Sink) AddRunEntry(event string, _ string, fields stats.Fields) {
	s.events.WithLabelValues(event).Inc()
	s.observeTimings(event, fields)
}

// AddTaskEntry implements stats.Sink.
func (s *Sink) AddTaskEntry(event string, _ string, fields stats.Fields) {
	s.events.WithLabelValues(event).Inc()
	s.observeTimings(event, fields)
}

func (s *Sink) observeTimings(event string, fields stats.Fields) {
	if v, ok := fields["pending_ms"].(float64); ok {
		s.pendingMillis.WithLabelValues(event).Observe(v)
	}
	if v, ok := fields["runtime_ms"].(float64); ok {
		s.runtimeMillis.WithLabelValues(event).Observe(v)
	}
}

// SetQueueDepth updates the dispatch-queue gauge, called periodically by
// whatever owns the collection loop (mirrors the teacher's
// collectQueueMetrics goroutine).
func (s *Sink) SetQueueDepth(queue string, depth float64) {
	s.queueDepth.WithLabelValues(queue).Set(depth)
}
