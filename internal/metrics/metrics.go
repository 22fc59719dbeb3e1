// Package metrics is the backend-neutral metrics facade used by the import
// pipeline.
//
// Core code calls the Record* helpers; the process picks a Backend once at
// startup (Datadog, Prometheus push gateway, or the default nop) with
// SetBackend. Backends must be safe for concurrent use.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions. Backends decide which keys they keep.
type Labels map[string]string

// Backend receives counter increments and histogram observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared by every backend.
const (
	StepTotal       = "import_step_total"
	StepDuration    = "import_step_duration_seconds"
	RecordsTotal    = "import_records_total"
	BatchesTotal    = "import_batches_total"
	RetriesTotal    = "import_batch_retries_total"
	DedupRemoved    = "import_dedup_removed_total"
	StatusOK        = "ok"
	StatusError     = "error"
	OutcomeImported = "imported"
	OutcomeDup      = "duplicate"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nop{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one pipeline step (detect, parse, import, dedupe) and
// observes its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRecords counts n records of kind with the given outcome.
func RecordRecords(kind, outcome string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind, "outcome": outcome})
}

// RecordBatch counts one finished batch.
func RecordBatch(kind string, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	IncCounter(BatchesTotal, 1, Labels{"kind": kind, "status": status})
}

// RecordRetry counts one retried batch attempt.
func RecordRetry(kind string) {
	IncCounter(RetriesTotal, 1, Labels{"kind": kind})
}

// RecordDedup counts rows removed by a dedup pass.
func RecordDedup(kind string, removed int64) {
	if removed <= 0 {
		return
	}
	IncCounter(DedupRemoved, float64(removed), Labels{"kind": kind})
}
