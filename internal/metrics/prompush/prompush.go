// Package prompush implements a Prometheus Pushgateway backend for
// internal/metrics. Imports are batch jobs with no scrape endpoint, so every
// Flush pushes the full registry under the job's grouping key.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"deviceimport/internal/metrics"
)

type pusher interface {
	Push() error
}

// Backend implements metrics.Backend on a private prometheus.Registry.
type Backend struct {
	reg    *prometheus.Registry
	pusher pusher

	steps     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	records   *prometheus.CounterVec
	batches   *prometheus.CounterVec
	retries   *prometheus.CounterVec
	dedup     *prometheus.CounterVec
}

// NewBackend builds a backend that pushes to the gateway at url as job.
//
// Errors:
//   - url or job empty.
func NewBackend(job, url string) (*Backend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("prompush: gateway url is empty")
	}
	if strings.TrimSpace(job) == "" {
		return nil, fmt.Errorf("prompush: job name is empty")
	}
	b := newBackend()
	b.pusher = push.New(url, job).Gatherer(b.reg)
	return b, nil
}

func newBackend() *Backend {
	b := &Backend{
		reg: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline steps by outcome.",
		}, []string{"step", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDuration,
			Help:    "Pipeline step duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"step", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Records by kind and outcome.",
		}, []string{"kind", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Insert batches by kind and status.",
		}, []string{"kind", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RetriesTotal,
			Help: "Batch attempts retried after a lock conflict.",
		}, []string{"kind"}),
		dedup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.DedupRemoved,
			Help: "Rows removed by the dedup pass.",
		}, []string{"kind"}),
	}
	b.reg.MustRegister(b.steps, b.durations, b.records, b.batches, b.retries, b.dedup)
	return b
}

func label(l metrics.Labels, key string) string {
	if v := l[key]; v != "" {
		return v
	}
	return "unknown"
}

// IncCounter implements metrics.Backend. Unknown names are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(label(labels, "step"), label(labels, "status")).Add(delta)
	case metrics.RecordsTotal:
		b.records.WithLabelValues(label(labels, "kind"), label(labels, "outcome")).Add(delta)
	case metrics.BatchesTotal:
		b.batches.WithLabelValues(label(labels, "kind"), label(labels, "status")).Add(delta)
	case metrics.RetriesTotal:
		b.retries.WithLabelValues(label(labels, "kind")).Add(delta)
	case metrics.DedupRemoved:
		b.dedup.WithLabelValues(label(labels, "kind")).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDuration || value < 0 {
		return
	}
	b.durations.WithLabelValues(label(labels, "step"), label(labels, "status")).Observe(value)
}

// Flush pushes the current registry state. Counters are cumulative, so a
// failed push loses nothing; the next one carries the totals.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close performs a final push.
func (b *Backend) Close() error {
	return b.Flush()
}

var _ metrics.Backend = (*Backend)(nil)
