// Package metrics provides a small, backend-agnostic abstraction for
// recording operational metrics from the ingestion pipeline.
//
// The package exposes a narrow Backend interface focused on counters and
// timing data, with a global, pluggable backend that defaults to a no-op
// implementation. Metrics are always safe to call even when no real backend
// is configured; concrete systems (Prometheus Pushgateway, Datadog) live in
// subpackages and are installed via SetBackend at process startup.
package metrics

import (
	"sync"
	"time"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics if the backend needs it.
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing
// backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error { return current().Flush() }

// RecordStep measures one pipeline step execution for a partition: a count
// split by success/failure plus its duration. Steps mirror the failure
// taxonomy (fetch_metadata, fetch_geometry, merge, write_bulk, ...).
func RecordStep(partition, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"partition": partition,
		"step":      step,
		"status":    status,
	}
	b := current()
	b.IncCounter("ingest_step_total", 1, lbls)
	b.ObserveHistogram("ingest_step_duration_seconds", d.Seconds(), lbls)
}

// RecordRows increments a row-level counter for a partition. Typical kinds
// mirror the progress summary fields: "inserted", "merge_failed",
// "write_failed".
func RecordRows(partition, kind string, delta float64) {
	if delta <= 0 {
		return
	}
	current().IncCounter("ingest_rows_total", delta, Labels{
		"partition": partition,
		"kind":      kind,
	})
}

// RecordBatches increments the flushed-batch counter for a partition.
func RecordBatches(partition string, delta float64) {
	if delta <= 0 {
		return
	}
	current().IncCounter("ingest_batches_total", delta, Labels{
		"partition": partition,
	})
}
