package pipeline

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"deviceimport/internal/importer"
	"deviceimport/pkg/records"
)

// FileResult is the outcome of importing one file.
type FileResult struct {
	Path     string
	Kind     records.Kind
	Table    string
	Encoding string
	Stats    importer.Stats
	Err      error
}

// Processed, Imported, Duplicates and Failed are the counts exposed to
// callers of ClassifyAndImport.
func (f FileResult) Processed() int  { return f.Stats.Processed }
func (f FileResult) Imported() int   { return f.Stats.Imported }
func (f FileResult) Duplicates() int { return f.Stats.Duplicates }
func (f FileResult) Failed() int     { return f.Stats.Failed }

// TableTotals aggregates the files imported into one table.
type TableTotals struct {
	Files      int
	Processed  int
	Imported   int
	Duplicates int
	Failed     int
}

// Report summarizes a Run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Files    []FileResult
	Tables   map[string]*TableTotals
}

func newReport(runID string, started time.Time) Report {
	return Report{RunID: runID, Started: started, Tables: map[string]*TableTotals{}}
}

func (r *Report) add(f FileResult) {
	r.Files = append(r.Files, f)
	if f.Table == "" {
		return
	}
	t := r.Tables[f.Table]
	if t == nil {
		t = &TableTotals{}
		r.Tables[f.Table] = t
	}
	t.Files++
	t.Processed += f.Stats.Processed
	t.Imported += f.Stats.Imported
	t.Duplicates += f.Stats.Duplicates
	t.Failed += f.Stats.Failed
}

// TableNames returns the tables in the report in import order.
func (r Report) TableNames() []string {
	out := make([]string, 0, len(r.Tables))
	for name := range r.Tables {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, _ := records.ParseKind(out[i])
		kj, _ := records.ParseKind(out[j])
		if ki.Rank() != kj.Rank() {
			return ki.Rank() < kj.Rank()
		}
		return out[i] < out[j]
	})
	return out
}

// FailedFiles counts files that ended with an error.
func (r Report) FailedFiles() int {
	n := 0
	for _, f := range r.Files {
		if f.Err != nil {
			n++
		}
	}
	return n
}

// WriteSummary prints the per-table totals followed by any file failures.
func (r Report) WriteSummary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "TABLE\tFILES\tPROCESSED\tIMPORTED\tDUPLICATES\tFAILED\n")
	for _, name := range r.TableNames() {
		t := r.Tables[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", name, t.Files, t.Processed, t.Imported, t.Duplicates, t.Failed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, f := range r.Files {
		if f.Err != nil {
			if _, err := fmt.Fprintf(w, "FAILED %s: %v\n", f.Path, f.Err); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "run %s: %d files, %d failed, %s\n",
		r.RunID, len(r.Files), r.FailedFiles(), r.Finished.Sub(r.Started).Truncate(time.Millisecond))
	return err
}
