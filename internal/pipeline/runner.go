// Package pipeline runs whole export files through detection, classification,
// normalization and batch import, and aggregates a per-table report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"deviceimport/internal/classify"
	"deviceimport/internal/encoding"
	"deviceimport/internal/importer"
	"deviceimport/internal/metrics"
	"deviceimport/internal/normalize"
	"deviceimport/internal/parser"
	"deviceimport/internal/storage"
	"deviceimport/internal/transformer"
	"deviceimport/pkg/records"
)

// Options tune a Runner. Zero values select the defaults of the packages they
// are passed to.
type Options struct {
	BatchSize int
	Workers   int
	Retry     importer.Retry

	// RunTimeout bounds Run. Zero means no limit.
	RunTimeout time.Duration

	HeaderRowOffset int
	Comma           rune

	// VerifyAttempts and VerifyDelay drive VerifyImport.
	VerifyAttempts int
	VerifyDelay    time.Duration
}

// Runner imports export files into one repository.
//
// The repository comes from NewMultiRepo on first use and is owned by the
// Runner until Close. Tables are created once per Runner, before the first
// import or dedup.
type Runner struct {
	// NewMultiRepo is the storage-agnostic factory seam. Nil means
	// storage.NewMulti.
	NewMultiRepo func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error)
	Storage      storage.MultiConfig

	Detector   *encoding.Detector
	Normalizer *normalize.Normalizer
	// Now stamps reports. Nil means time.Now.
	Now func() time.Time

	Log     zerolog.Logger
	Options Options

	mu          sync.Mutex
	repo        storage.MultiRepository
	schemaReady bool
}

// Close releases the repository, if one was opened.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repo != nil {
		r.repo.Close()
		r.repo = nil
		r.schemaReady = false
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// repository opens the repository and ensures the schema, once.
func (r *Runner) repository(ctx context.Context) (storage.MultiRepository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.repo == nil {
		newRepo := r.NewMultiRepo
		if newRepo == nil {
			newRepo = storage.NewMulti
		}
		repo, err := newRepo(ctx, r.Storage)
		if err != nil {
			return nil, fmt.Errorf("open repository (kind=%s): %w", r.Storage.Kind, err)
		}
		r.repo = repo
	}
	if !r.schemaReady {
		start := time.Now()
		err := r.repo.EnsureTables(ctx, storage.Catalog())
		metrics.RecordStep("schema", err, time.Since(start))
		if err != nil {
			return nil, err
		}
		r.schemaReady = true
		r.Log.Debug().Str("stage", "schema").Dur("duration", time.Since(start).Truncate(time.Millisecond)).Msg("tables ready")
	}
	return r.repo, nil
}

// sniffed is a file whose encoding and kind are known.
type sniffed struct {
	path     string
	encoding encoding.Result
	header   []string
	kind     records.Kind
}

func (r *Runner) readerOptions(enc string) parser.Options {
	return parser.Options{
		Encoding:        enc,
		Comma:           r.Options.Comma,
		HeaderRowOffset: r.Options.HeaderRowOffset,
	}
}

// sniff detects the encoding, reads the header and classifies path.
func (r *Runner) sniff(ctx context.Context, path string) (sniffed, error) {
	det := r.Detector
	if det == nil {
		det = encoding.NewDetector(0, "")
	}
	enc, err := det.Detect(path)
	if err != nil {
		return sniffed{path: path}, err
	}
	if enc.Fallback {
		r.Log.Info().Str("file", path).Str("encoding", enc.Name).Float64("confidence", enc.Confidence).
			Err(enc.Err()).Msg("using default encoding")
	}

	header, err := parser.ReadHeader(ctx, path, r.readerOptions(enc.Name))
	if err != nil {
		return sniffed{path: path, encoding: enc}, err
	}
	kind, err := classify.Require(header)
	if err != nil {
		return sniffed{path: path, encoding: enc, header: header}, fmt.Errorf("%s: %w", path, err)
	}
	return sniffed{path: path, encoding: enc, header: header, kind: kind}, nil
}

// Sniff reports what ClassifyAndImport would see for path without touching
// the database.
func (r *Runner) Sniff(ctx context.Context, path string) (encoding.Result, []string, records.Kind, error) {
	s, err := r.sniff(ctx, path)
	return s.encoding, s.header, s.kind, err
}

// ClassifyAndImport imports one file into the table its header selects.
//
// File-level failures (unreadable file, unsupported format, unknown kind,
// schema creation) are returned as errors. Row rejections and failed batches
// are only counted.
func (r *Runner) ClassifyAndImport(ctx context.Context, path string) (FileResult, error) {
	s, err := r.sniff(ctx, path)
	if err != nil {
		res := FileResult{Path: path, Kind: s.kind, Encoding: s.encoding.Name, Err: err}
		metrics.RecordStep("import", err, 0)
		return res, err
	}
	return r.importFile(ctx, s)
}

func (r *Runner) importFile(ctx context.Context, s sniffed) (FileResult, error) {
	spec, _ := storage.CatalogFor(s.kind)
	res := FileResult{Path: s.path, Kind: s.kind, Table: spec.Name, Encoding: s.encoding.Name}
	log := r.Log.With().Str("file", s.path).Str("table", spec.Name).Logger()
	start := time.Now()

	repo, err := r.repository(ctx)
	if err != nil {
		res.Err = err
		metrics.RecordStep("import", err, time.Since(start))
		return res, err
	}

	im := &importer.Importer{
		Repo:      repo,
		BatchSize: r.Options.BatchSize,
		Workers:   r.Options.Workers,
		Retry:     r.Options.Retry,
		Log:       log,
	}

	rows := make(chan *transformer.Row, 256)
	recs := make(chan records.Record, 256)

	var rejected, inFileDups, badLines int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rows)
		return parser.Read(gctx, s.path, r.readerOptions(s.encoding.Name),
			func([]string) error { return nil },
			rows,
			func(line int, err error) {
				badLines++
				log.Debug().Int("line", line).Err(err).Msg("skipping malformed line")
			})
	})
	g.Go(func() error {
		defer close(recs)
		return normalize.Stream(gctx, r.Normalizer, s.kind, s.header, rows, recs, func(rej normalize.Rejection) {
			if rej.Reason == normalize.ReasonDuplicateInFile {
				inFileDups++
				return
			}
			rejected++
			log.Debug().Int("line", rej.Line).Str("reason", string(rej.Reason)).Str("field", rej.Field).Msg("row rejected")
		})
	})

	st, importErr := im.Import(ctx, spec, recs)
	readErr := g.Wait()

	st.AddRejected(rejected + badLines)
	st.AddDuplicates(inFileDups)
	metrics.RecordRecords(spec.Name, metrics.OutcomeRejected, rejected+badLines)
	metrics.RecordRecords(spec.Name, metrics.OutcomeDup, inFileDups)
	res.Stats = st

	err = errors.Join(readErr, importErr)
	if readErr != nil && importErr != nil && errors.Is(readErr, ctx.Err()) {
		err = importErr
	}
	if err == nil && st.FailedBatches > 0 {
		err = fmt.Errorf("%d of %d batches failed (%d rows): %w",
			st.FailedBatches, st.Batches, st.Failed-st.Rejected, importer.ErrBatchFailed)
	}
	res.Err = err
	metrics.RecordStep("import", err, time.Since(start))

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("kind", s.kind.String()).
		Int("processed", st.Processed).
		Int("imported", st.Imported).
		Int("duplicates", st.Duplicates).
		Int("failed", st.Failed).
		Int("rejected", st.Rejected).
		Int("failed_batches", st.FailedBatches).
		Dur("duration", time.Since(start).Truncate(time.Millisecond)).
		Msg("file imported")
	return res, err
}

// Run imports paths in dependency order and reports per-table totals.
//
// Table creation failure aborts the run. Any other file failure is recorded
// in the report and the run continues; the returned error joins them all.
func (r *Runner) Run(ctx context.Context, paths []string) (Report, error) {
	if r.Options.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Options.RunTimeout)
		defer cancel()
	}

	rep := newReport(uuid.NewString(), r.now())
	log := r.Log.With().Str("run_id", rep.RunID).Logger()
	start := time.Now()

	if _, err := r.repository(ctx); err != nil {
		rep.Finished = r.now()
		metrics.RecordStep("run", err, time.Since(start))
		log.Error().Err(err).Msg("run aborted")
		return rep, err
	}

	var errs []error
	plan := make([]sniffed, 0, len(paths))
	for _, p := range paths {
		s, err := r.sniff(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("file", p).Msg("file skipped")
			rep.add(FileResult{Path: p, Encoding: s.encoding.Name, Err: err})
			errs = append(errs, err)
			continue
		}
		plan = append(plan, s)
	}
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].kind.Rank() < plan[j].kind.Rank() })

	for _, s := range plan {
		res, err := r.importFile(ctx, s)
		rep.add(res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.path, err))
			if errors.Is(err, storage.ErrSchemaInit) {
				break
			}
		}
	}

	rep.Finished = r.now()
	err := errors.Join(errs...)
	metrics.RecordStep("run", err, time.Since(start))
	for _, t := range rep.TableNames() {
		tot := rep.Tables[t]
		log.Info().Str("table", t).
			Int("processed", tot.Processed).
			Int("imported", tot.Imported).
			Int("duplicates", tot.Duplicates).
			Int("failed", tot.Failed).
			Msg("table summary")
	}
	return rep, err
}

// Deduplicate removes content-hash duplicates from one table, keeping the row
// with the smallest id. table may be a table or kind name.
func (r *Runner) Deduplicate(ctx context.Context, table string) (int64, error) {
	spec, err := storage.TableFor(table)
	if err != nil {
		return 0, err
	}
	repo, err := r.repository(ctx)
	if err != nil {
		return 0, err
	}
	removed, err := importer.Deduplicate(ctx, repo, spec, r.Options.Retry)
	if err != nil {
		return 0, err
	}
	r.Log.Info().Str("table", spec.Name).Int64("removed", removed).Msg("duplicates removed")
	return removed, nil
}

// DeduplicateAll runs Deduplicate over every table. A failing table does not
// stop the others.
func (r *Runner) DeduplicateAll(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	var errs []error
	for _, spec := range storage.Catalog() {
		n, err := r.Deduplicate(ctx, spec.Name)
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, storage.ErrSchemaInit) || errors.Is(err, storage.ErrUnavailable) {
				break
			}
			continue
		}
		out[spec.Name] = n
	}
	return out, errors.Join(errs...)
}

// EnsureSchema creates missing tables and indexes.
func (r *Runner) EnsureSchema(ctx context.Context) error {
	_, err := r.repository(ctx)
	return err
}
