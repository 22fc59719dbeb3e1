// Package importer writes normalized records to one table in fixed-size
// batches and removes duplicates after the fact.
//
// Each batch is one InsertBatch call: one transaction, one conflict-policy
// insert, and a before/after row count. Lock conflicts are retried with
// exponential backoff; any other failure marks the batch failed and the
// import moves on to the next batch.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"deviceimport/internal/metrics"
	"deviceimport/internal/storage"
	"deviceimport/pkg/records"
)

// ErrBatchFailed marks a batch that was rolled back and not retried further.
var ErrBatchFailed = errors.New("batch failed")

const DefaultBatchSize = 50

// Retry bounds lock-conflict retries of one batch. MaxAttempts counts the
// first attempt.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetry returns five attempts starting at 100ms and doubling.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

func (r Retry) withDefaults() Retry {
	d := DefaultRetry()
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = d.InitialInterval
	}
	if r.MaxInterval < r.InitialInterval {
		r.MaxInterval = max(d.MaxInterval, r.InitialInterval)
	}
	if r.Multiplier < 1 {
		r.Multiplier = d.Multiplier
	}
	return r
}

func (r Retry) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.InitialInterval
	eb.MaxInterval = r.MaxInterval
	eb.Multiplier = r.Multiplier
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.MaxAttempts-1)), ctx)
}

// Stats tallies one import. Every processed record ends up in exactly one of
// Imported, Duplicates or Failed. Rejected rows are part of Failed.
type Stats struct {
	Processed  int
	Imported   int
	Duplicates int
	Failed     int
	Rejected   int

	Batches       int
	FailedBatches int
	Retries       int
}

// AddRejected accounts for rows the normalizer refused.
func (s *Stats) AddRejected(n int) {
	s.Processed += n
	s.Rejected += n
	s.Failed += n
}

// AddDuplicates accounts for rows dropped as repeats before reaching the
// database.
func (s *Stats) AddDuplicates(n int) {
	s.Processed += n
	s.Duplicates += n
}

// Add merges o into s.
func (s *Stats) Add(o Stats) {
	s.Processed += o.Processed
	s.Imported += o.Imported
	s.Duplicates += o.Duplicates
	s.Failed += o.Failed
	s.Rejected += o.Rejected
	s.Batches += o.Batches
	s.FailedBatches += o.FailedBatches
	s.Retries += o.Retries
}

// Importer loads records of one table. The zero value is not usable: Repo is
// required.
type Importer struct {
	Repo      storage.MultiRepository
	BatchSize int
	// Workers bounds concurrent batches. Keep it at or below the pool size.
	Workers int
	Retry   Retry
	Log     zerolog.Logger
}

// Import drains in, writing records to spec's table. The caller closes in.
//
// Batch failures are counted, logged and absorbed. The returned error is
// non-nil only when ctx ended before in was drained; records that were not
// written by then count as failed. Batches already running finish or roll
// back on a context detached from ctx's cancellation.
func (im *Importer) Import(ctx context.Context, spec storage.TableSpec, in <-chan records.Record) (Stats, error) {
	if im.Repo == nil {
		return Stats{}, fmt.Errorf("importer: Repo is required")
	}
	size := im.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	workers := max(im.Workers, 1)
	retry := im.Retry.withDefaults()
	columns := spec.ColumnNames()
	log := im.Log.With().Str("table", spec.Name).Logger()

	var (
		mu    sync.Mutex
		stats Stats
	)
	merge := func(s Stats) {
		mu.Lock()
		stats.Add(s)
		mu.Unlock()
	}

	// Batches never fail the group; cancellation is observed by the producer.
	var g errgroup.Group
	g.SetLimit(workers)
	inflight := context.WithoutCancel(ctx)

	seq := 0
	batch := make([][]any, 0, size)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := batch
		batch = make([][]any, 0, size)
		seq++
		n := seq
		if ctx.Err() != nil {
			merge(Stats{Processed: len(rows), Failed: len(rows)})
			metrics.RecordRecords(spec.Name, metrics.OutcomeFailed, len(rows))
			return
		}
		g.Go(func() error {
			merge(im.runBatch(inflight, ctx, log, spec, columns, rows, n, retry))
			return nil
		})
	}

	canceled := false
	for !canceled {
		select {
		case <-ctx.Done():
			canceled = true
		case rec, ok := <-in:
			if !ok {
				flush()
				_ = g.Wait()
				if err := ctx.Err(); err != nil {
					log.Warn().Err(err).Int("failed", stats.Failed).Msg("import canceled")
					return stats, fmt.Errorf("import %s: %w", spec.Name, err)
				}
				log.Info().
					Int("processed", stats.Processed).
					Int("imported", stats.Imported).
					Int("duplicates", stats.Duplicates).
					Int("failed", stats.Failed).
					Int("batches", stats.Batches).
					Msg("import done")
				return stats, nil
			}
			batch = append(batch, rec.Values())
			if len(batch) >= size {
				flush()
			}
		}
	}

	// Unsent rows are failed; keep reading so the producer can finish.
	flush()
	dropped := 0
	for range in {
		dropped++
	}
	_ = g.Wait()
	if dropped > 0 {
		stats.Processed += dropped
		stats.Failed += dropped
		metrics.RecordRecords(spec.Name, metrics.OutcomeFailed, dropped)
	}
	log.Warn().Err(ctx.Err()).Int("unscheduled", dropped).Msg("import canceled")
	return stats, fmt.Errorf("import %s: %w", spec.Name, ctx.Err())
}

// runBatch inserts one batch with retries. Retries run on exec, which outlives
// run cancellation; once run is done no new attempt starts.
func (im *Importer) runBatch(
	exec, run context.Context,
	log zerolog.Logger,
	spec storage.TableSpec,
	columns []string,
	rows [][]any,
	seq int,
	retry Retry,
) Stats {
	st := Stats{Processed: len(rows), Batches: 1}
	start := time.Now()

	var res storage.BatchResult
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 && run.Err() != nil {
			return backoff.Permanent(run.Err())
		}
		var err error
		res, err = im.Repo.InsertBatch(exec, spec, columns, rows)
		if err == nil {
			return nil
		}
		if storage.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		st.Retries++
		metrics.RecordRetry(spec.Name)
		log.Warn().Err(err).Int("batch", seq).Int("attempt", attempt).Dur("wait", wait).Msg("lock conflict, retrying batch")
	}

	err := backoff.RetryNotify(op, retry.backOff(exec), notify)
	metrics.RecordBatch(spec.Name, err)
	if err != nil {
		st.Failed = len(rows)
		st.FailedBatches = 1
		metrics.RecordRecords(spec.Name, metrics.OutcomeFailed, len(rows))
		log.Error().
			Err(fmt.Errorf("%w: %w", ErrBatchFailed, err)).
			Int("batch", seq).
			Int("rows", len(rows)).
			Int("attempts", attempt).
			Msg("batch failed")
		return st
	}

	st.Imported = res.Inserted
	st.Duplicates = res.Duplicates()
	metrics.RecordRecords(spec.Name, metrics.OutcomeImported, st.Imported)
	metrics.RecordRecords(spec.Name, metrics.OutcomeDup, st.Duplicates)
	log.Debug().
		Int("batch", seq).
		Int("attempted", res.Attempted).
		Int("inserted", res.Inserted).
		Int("duplicates", st.Duplicates).
		Int("retries", st.Retries).
		Dur("duration", time.Since(start).Truncate(time.Millisecond)).
		Msg("batch committed")
	return st
}
