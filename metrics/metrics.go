// Package metrics provides Prometheus metrics for readback coordinators.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReadbackMetrics contains all Prometheus metrics for one or more
// coordinators. It implements readback.MetricsRecorder.
type ReadbackMetrics struct {
	OperationsTotal    *prometheus.CounterVec
	SlotsInUse         prometheus.Gauge
	SlotCapacity       prometheus.Gauge
	StagingBytes       prometheus.Gauge
	StagingEntries     prometheus.Gauge
	CheckpointDuration prometheus.Histogram
	EventsExecuted     prometheus.Counter
	registry           *prometheus.Registry
}

// NewReadbackMetrics creates a new instance of ReadbackMetrics and
// registers it with registry.
// It returns an error if metric registration fails.
func NewReadbackMetrics(registry *prometheus.Registry) (*ReadbackMetrics, error) {
	m := &ReadbackMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register readback metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metrics for ReadbackMetrics.
func (m *ReadbackMetrics) initMetrics() {
	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readback_operations_total",
			Help: "Total number of readback operations by operation and status.",
		},
		[]string{"operation", "status"},
	)

	m.SlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readback_slots_in_use",
		Help: "Number of request slots currently tracking a readback.",
	})

	m.SlotCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readback_slot_capacity",
		Help: "Total number of request slots.",
	})

	m.StagingBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readback_staging_bytes",
		Help: "Bytes held by pooled staging resources.",
	})

	m.StagingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readback_staging_entries",
		Help: "Number of pooled staging resources.",
	})

	m.CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "readback_checkpoint_duration_seconds",
		Help:    "Time spent executing queued events per checkpoint.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	m.EventsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readback_events_executed_total",
		Help: "Total number of render-thread events executed, including retries.",
	})
}

// RecordOperation counts one coordinator call with its outcome.
func (m *ReadbackMetrics) RecordOperation(op, status string) {
	m.OperationsTotal.WithLabelValues(op, status).Inc()
}

// SetSlots updates slot usage.
func (m *ReadbackMetrics) SetSlots(inUse, capacity int) {
	m.SlotsInUse.Set(float64(inUse))
	m.SlotCapacity.Set(float64(capacity))
}

// SetStaging updates pooled staging memory.
func (m *ReadbackMetrics) SetStaging(bytes uint64, entries int) {
	m.StagingBytes.Set(float64(bytes))
	m.StagingEntries.Set(float64(entries))
}

// ObserveCheckpoint records the duration of a checkpoint and the events it
// executed.
func (m *ReadbackMetrics) ObserveCheckpoint(d time.Duration, executed int) {
	m.CheckpointDuration.Observe(d.Seconds())
	if executed > 0 {
		m.EventsExecuted.Add(float64(executed))
	}
}

// Collect implements the prometheus.Collector interface.
func (m *ReadbackMetrics) Collect(ch chan<- prometheus.Metric) {
	m.OperationsTotal.Collect(ch)
	ch <- m.SlotsInUse
	ch <- m.SlotCapacity
	ch <- m.StagingBytes
	ch <- m.StagingEntries
	ch <- m.CheckpointDuration
	ch <- m.EventsExecuted
}

// Describe implements the prometheus.Collector interface.
func (m *ReadbackMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.OperationsTotal.Describe(ch)
	ch <- m.SlotsInUse.Desc()
	ch <- m.SlotCapacity.Desc()
	ch <- m.StagingBytes.Desc()
	ch <- m.StagingEntries.Desc()
	ch <- m.CheckpointDuration.Desc()
	ch <- m.EventsExecuted.Desc()
}
