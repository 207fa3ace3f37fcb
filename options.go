package readback

import (
	"time"

	"github.com/gogpu/readback/internal/slot"
	"github.com/gogpu/readback/internal/staging"
)

// Option configures a Coordinator during creation.
//
// Example:
//
//	c := readback.New(b,
//	    readback.WithSlotCapacity(32),
//	    readback.WithStagingBudget(512),
//	)
type Option func(*options)

// options holds optional configuration for Coordinator creation.
type options struct {
	slotCapacity      int
	stagingBudgetMB   int
	evictionThreshold float64
	metrics           MetricsRecorder
	ownsBackend       bool
}

// defaultOptions returns the default coordinator options.
func defaultOptions() options {
	return options{
		slotCapacity:      slot.DefaultCapacity,
		stagingBudgetMB:   staging.DefaultBudgetMB,
		evictionThreshold: staging.DefaultEvictionThreshold,
		metrics:           nopMetrics{},
	}
}

// WithSlotCapacity sets the number of readbacks that may be in flight at
// once. Non-positive values keep the default of 16.
func WithSlotCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.slotCapacity = n
		}
	}
}

// WithStagingBudget sets the staging memory budget in megabytes.
// Values below 16 select the 256 MB default.
func WithStagingBudget(megabytes int) Option {
	return func(o *options) {
		o.stagingBudgetMB = megabytes
	}
}

// WithEvictionThreshold sets the fraction of the staging budget at which
// unbound staging resources start being evicted.
func WithEvictionThreshold(fraction float64) Option {
	return func(o *options) {
		o.evictionThreshold = fraction
	}
}

// WithMetrics sets the recorder that receives operation outcomes and
// gauges. See the metrics package for a Prometheus implementation.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithOwnedBackend makes Close also close the backend.
func WithOwnedBackend() Option {
	return func(o *options) {
		o.ownsBackend = true
	}
}

// MetricsRecorder receives coordinator telemetry. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	// RecordOperation counts one call of op with its outcome.
	RecordOperation(op, status string)

	// SetSlots reports slot usage.
	SetSlots(inUse, capacity int)

	// SetStaging reports pooled staging memory.
	SetStaging(bytes uint64, entries int)

	// ObserveCheckpoint records one drain of the event queue.
	ObserveCheckpoint(d time.Duration, executed int)
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(string, string)       {}
func (nopMetrics) SetSlots(int, int)                    {}
func (nopMetrics) SetStaging(uint64, int)               {}
func (nopMetrics) ObserveCheckpoint(time.Duration, int) {}
