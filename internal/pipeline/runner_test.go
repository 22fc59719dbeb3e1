package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"deviceimport/internal/classify"
	"deviceimport/internal/importer"
	"deviceimport/internal/normalize"
	"deviceimport/internal/parser"
	"deviceimport/internal/storage"
	_ "deviceimport/internal/storage/sqlite"
	"deviceimport/pkg/records"
)

// processing time in a non-leap year
var fixedNow = func() time.Time { return time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC) }

const bom = "\uFEFF"

const callsCSV = bom + `Call Type,Time,From/To,Duration (Sec),Location
Incoming,"Feb 29, 10:00 AM",555-0100,45 Sec,Home
Outgoing,"Mar 1, 09:15 AM",555-0101,2 Min,
Missed,"Jan 5, 8:00 PM",555-0102,,Office
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func newSQLiteRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "device.db")
	r := &Runner{
		Storage:    storage.MultiConfig{Kind: "sqlite", DSN: dsn},
		Normalizer: &normalize.Normalizer{Now: fixedNow},
		Now:        fixedNow,
		Log:        zerolog.Nop(),
		Options: Options{
			BatchSize:      50,
			Workers:        1,
			Retry:          importer.Retry{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
			VerifyAttempts: 2,
			VerifyDelay:    time.Millisecond,
		},
	}
	t.Cleanup(r.Close)
	return r, dsn
}

func openDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestClassifyAndImport_CallsEndToEnd(t *testing.T) {
	t.Parallel()

	r, dsn := newSQLiteRunner(t)
	path := writeFile(t, t.TempDir(), "calls.csv", callsCSV)

	res, err := r.ClassifyAndImport(context.Background(), path)
	if err != nil {
		t.Fatalf("ClassifyAndImport: %v", err)
	}
	if res.Table != "calls" || res.Kind != records.KindCall {
		t.Fatalf("table=%q kind=%v", res.Table, res.Kind)
	}
	if res.Processed() != 3 || res.Imported() != 3 || res.Duplicates() != 0 || res.Failed() != 0 {
		t.Fatalf("result=%+v", res.Stats)
	}

	db := openDB(t, dsn)
	rows, err := db.Query(`SELECT call_type, call_time, duration FROM calls ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	want := []struct {
		typ  string
		at   string
		secs int64
	}{
		{"Incoming", "2023-02-28T10:00:00Z", 45},
		{"Outgoing", "2023-03-01T09:15:00Z", 120},
		{"Missed", "2023-01-05T20:00:00Z", 0},
	}
	i := 0
	for rows.Next() {
		var typ, at string
		var secs int64
		if err := rows.Scan(&typ, &at, &secs); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if i >= len(want) {
			t.Fatalf("too many rows")
		}
		if typ != want[i].typ || at != want[i].at || secs != want[i].secs {
			t.Fatalf("row %d = (%s, %s, %d), want %+v", i, typ, at, secs, want[i])
		}
		i++
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if i != len(want) {
		t.Fatalf("rows=%d, want %d", i, len(want))
	}
}

func TestClassifyAndImport_CallsReimportThenDeduplicate(t *testing.T) {
	t.Parallel()

	r, _ := newSQLiteRunner(t)
	path := writeFile(t, t.TempDir(), "calls.csv", callsCSV)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.ClassifyAndImport(ctx, path); err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}
	removed, err := r.Deduplicate(ctx, "calls")
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed=%d, want 3", removed)
	}
	again, err := r.Deduplicate(ctx, "call")
	if err != nil || again != 0 {
		t.Fatalf("second dedupe removed=%d err=%v, want 0", again, err)
	}

	counts, err := r.VerifyImport(ctx, []string{"calls"})
	if err != nil {
		t.Fatalf("VerifyImport: %v", err)
	}
	if counts["calls"] != 3 {
		t.Fatalf("calls=%d, want 3", counts["calls"])
	}
}

func TestClassifyAndImport_SMSIsIdempotent(t *testing.T) {
	t.Parallel()

	r, _ := newSQLiteRunner(t)
	path := writeFile(t, t.TempDir(), "sms.csv", bom+`SMS Type,From/To,Text,Time,Location
Incoming,555-0100,see you at 5,"Mar 3, 4:00 PM",
Outgoing,555-0100,ok &amp; thanks,"Mar 3, 4:02 PM",
Outgoing,555-0100,,"Mar 3, 4:05 PM",
`)
	ctx := context.Background()

	first, err := r.ClassifyAndImport(ctx, path)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.Imported() != 2 || first.Stats.Rejected != 1 || first.Failed() != 1 || first.Processed() != 3 {
		t.Fatalf("first=%+v", first.Stats)
	}

	second, err := r.ClassifyAndImport(ctx, path)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.Imported() != 0 || second.Duplicates() != 2 {
		t.Fatalf("second=%+v", second.Stats)
	}
}

func TestClassifyAndImport_ContactReimportRefreshesLastContact(t *testing.T) {
	t.Parallel()

	r, dsn := newSQLiteRunner(t)
	dir := t.TempDir()
	ctx := context.Background()

	first := writeFile(t, dir, "contacts.csv", bom+`Name,Phone Number,Email,Last Contacted
Ann,+1 (555) 0100,,"Jan 3, 9:00 AM"
Bob,555-0101,bob@example.org,
`)
	res, err := r.ClassifyAndImport(ctx, first)
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if res.Imported() != 2 {
		t.Fatalf("first=%+v", res.Stats)
	}

	second := writeFile(t, dir, "contacts2.csv", bom+`Name,Phone Number,Email,Last Contacted
Ann,+1 (555) 0100,,"Feb 1, 9:00 AM"
`)
	res, err = r.ClassifyAndImport(ctx, second)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if res.Imported() != 0 || res.Duplicates() != 1 {
		t.Fatalf("second=%+v", res.Stats)
	}

	// an older or missing contact time never moves last_message_time back
	third := writeFile(t, dir, "contacts3.csv", bom+`Name,Phone Number,Email,Last Contacted
Ann,+1 (555) 0100,,"Jan 20, 9:00 AM"
Bob,555-0101,bob@example.org,
`)
	res, err = r.ClassifyAndImport(ctx, third)
	if err != nil {
		t.Fatalf("third import: %v", err)
	}
	if res.Imported() != 0 || res.Duplicates() != 2 {
		t.Fatalf("third=%+v", res.Stats)
	}

	db := openDB(t, dsn)
	var phone, email, last string
	err = db.QueryRow(`SELECT phone_number, email, last_message_time FROM contacts WHERE name = 'Ann'`).Scan(&phone, &email, &last)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if phone != "15550100" || email != normalize.DefaultEmail || last != "2023-02-01T09:00:00Z" {
		t.Fatalf("Ann = (%s, %s, %s)", phone, email, last)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil || n != 2 {
		t.Fatalf("contacts=%d err=%v, want 2", n, err)
	}
}

func TestClassifyAndImport_InFileDuplicatesAreNotFailures(t *testing.T) {
	t.Parallel()

	r, _ := newSQLiteRunner(t)
	path := writeFile(t, t.TempDir(), "contacts.csv", `Name,Phone Number,Email,Last Contacted
Ann,555-0100,,"Jan 3, 9:00 AM"
Ann,555-0100,,"Jan 3, 9:00 AM"
Bob,555-0101,,
`)
	res, err := r.ClassifyAndImport(context.Background(), path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Processed() != 3 || res.Imported() != 2 || res.Duplicates() != 1 || res.Failed() != 0 || res.Stats.Rejected != 0 {
		t.Fatalf("stats=%+v", res.Stats)
	}
}

// insertFailRepo accepts the schema but refuses every batch.
type insertFailRepo struct {
	schemaFailRepo
}

func (f *insertFailRepo) EnsureTables(context.Context, []storage.TableSpec) error { return nil }
func (f *insertFailRepo) InsertBatch(context.Context, storage.TableSpec, []string, [][]any) (storage.BatchResult, error) {
	f.inserts.Add(1)
	return storage.BatchResult{}, errors.New("value too long for column")
}

func TestRun_FailedBatchesFailTheFile(t *testing.T) {
	t.Parallel()

	repo := &insertFailRepo{}
	r := &Runner{
		NewMultiRepo: func(context.Context, storage.MultiConfig) (storage.MultiRepository, error) { return repo, nil },
		Normalizer:   &normalize.Normalizer{Now: fixedNow},
		Now:          fixedNow,
		Log:          zerolog.Nop(),
		Options:      Options{Workers: 1, Retry: importer.Retry{MaxAttempts: 1}},
	}
	t.Cleanup(r.Close)
	path := writeFile(t, t.TempDir(), "calls.csv", callsCSV)

	rep, err := r.Run(context.Background(), []string{path})
	if !errors.Is(err, importer.ErrBatchFailed) {
		t.Fatalf("err=%v, want ErrBatchFailed", err)
	}
	if repo.inserts.Load() != 1 {
		t.Fatalf("inserts=%d, want 1", repo.inserts.Load())
	}
	if rep.FailedFiles() != 1 || len(rep.Files) != 1 {
		t.Fatalf("files=%+v", rep.Files)
	}
	if st := rep.Files[0].Stats; st.Failed != 3 || st.FailedBatches != 1 || st.Imported != 0 {
		t.Fatalf("stats=%+v", st)
	}

	var buf bytes.Buffer
	if err := rep.WriteSummary(&buf); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if !strings.Contains(buf.String(), "FAILED "+path) {
		t.Fatalf("summary:\n%s", buf.String())
	}
}

func TestRun_OrdersByDependencyAndReportsFailures(t *testing.T) {
	t.Parallel()

	r, _ := newSQLiteRunner(t)
	dir := t.TempDir()
	calls := writeFile(t, dir, "a_calls.csv", callsCSV)
	contacts := writeFile(t, dir, "b_contacts.csv", bom+"Name,Phone Number\nAnn,5550100\n")
	unknown := writeFile(t, dir, "c_unknown.csv", bom+"foo,bar\n1,2\n")
	unsupported := writeFile(t, dir, "d_notes.pdf", "%PDF-1.4")
	missing := filepath.Join(dir, "e_missing.csv")

	rep, err := r.Run(context.Background(), []string{calls, contacts, unknown, unsupported, missing})
	if err == nil {
		t.Fatalf("expected joined file errors")
	}
	if !errors.Is(err, classify.ErrUnknown) || !errors.Is(err, parser.ErrUnsupportedFormat) {
		t.Fatalf("err=%v", err)
	}
	if rep.RunID == "" {
		t.Fatalf("missing run id")
	}
	if rep.FailedFiles() != 3 || len(rep.Files) != 5 {
		t.Fatalf("files=%d failed=%d", len(rep.Files), rep.FailedFiles())
	}

	// Contacts are imported before calls regardless of argument order.
	n := len(rep.Files)
	if rep.Files[n-2].Table != "contacts" || rep.Files[n-1].Table != "calls" {
		t.Fatalf("order = %s, %s", rep.Files[n-2].Table, rep.Files[n-1].Table)
	}
	if got := strings.Join(rep.TableNames(), ","); got != "contacts,calls" {
		t.Fatalf("tables=%s", got)
	}
	if rep.Tables["calls"].Imported != 3 || rep.Tables["contacts"].Imported != 1 {
		t.Fatalf("totals calls=%+v contacts=%+v", rep.Tables["calls"], rep.Tables["contacts"])
	}

	var buf bytes.Buffer
	if err := rep.WriteSummary(&buf); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"contacts", "calls", "FAILED " + unknown, "5 files, 3 failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

type schemaFailRepo struct {
	inserts atomic.Int64
	closed  atomic.Int64
}

func (f *schemaFailRepo) Close() { f.closed.Add(1) }
func (f *schemaFailRepo) EnsureTables(context.Context, []storage.TableSpec) error {
	return fmt.Errorf("%w: disk full", storage.ErrSchemaInit)
}
func (f *schemaFailRepo) InsertBatch(context.Context, storage.TableSpec, []string, [][]any) (storage.BatchResult, error) {
	f.inserts.Add(1)
	return storage.BatchResult{}, nil
}
func (f *schemaFailRepo) CountRows(context.Context, string) (int64, error) { return 0, nil }
func (f *schemaFailRepo) DeleteDuplicates(context.Context, string, string, string) (int64, error) {
	return 0, nil
}

func TestRun_SchemaFailureIsFatal(t *testing.T) {
	t.Parallel()

	repo := &schemaFailRepo{}
	r := &Runner{
		NewMultiRepo: func(context.Context, storage.MultiConfig) (storage.MultiRepository, error) { return repo, nil },
		Log:          zerolog.Nop(),
	}
	path := writeFile(t, t.TempDir(), "calls.csv", callsCSV)

	rep, err := r.Run(context.Background(), []string{path})
	if !errors.Is(err, storage.ErrSchemaInit) {
		t.Fatalf("err=%v, want ErrSchemaInit", err)
	}
	if len(rep.Files) != 0 || repo.inserts.Load() != 0 {
		t.Fatalf("no file may be imported: files=%d inserts=%d", len(rep.Files), repo.inserts.Load())
	}
	r.Close()
	if repo.closed.Load() != 1 {
		t.Fatalf("repository not closed")
	}
}

func TestRun_RepositoryOpenError(t *testing.T) {
	t.Parallel()

	r := &Runner{
		NewMultiRepo: func(context.Context, storage.MultiConfig) (storage.MultiRepository, error) {
			return nil, errors.New("connection refused")
		},
		Storage: storage.MultiConfig{Kind: "postgres"},
		Log:     zerolog.Nop(),
	}
	if _, err := r.Run(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "kind=postgres") {
		t.Fatalf("err=%v", err)
	}
}

func TestVerifyImport_EmptyTableFails(t *testing.T) {
	t.Parallel()

	r, _ := newSQLiteRunner(t)
	counts, err := r.VerifyImport(context.Background(), []string{"sms"})
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("err=%v, want ErrVerifyFailed", err)
	}
	if counts["sms"] != 0 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestSniff_DoesNotOpenRepository(t *testing.T) {
	t.Parallel()

	var opened atomic.Int64
	r := &Runner{
		NewMultiRepo: func(context.Context, storage.MultiConfig) (storage.MultiRepository, error) {
			opened.Add(1)
			return nil, errors.New("unused")
		},
		Log: zerolog.Nop(),
	}
	path := writeFile(t, t.TempDir(), "calls.csv", callsCSV)

	enc, header, kind, err := r.Sniff(context.Background(), path)
	if err != nil {
		t.Fatalf("Sniff: %v", err)
	}
	if enc.Name != "utf-8" || kind != records.KindCall || len(header) != 5 {
		t.Fatalf("enc=%+v header=%v kind=%v", enc, header, kind)
	}
	if opened.Load() != 0 {
		t.Fatalf("Sniff must not open the repository")
	}
}

func TestDeduplicate_UnknownTable(t *testing.T) {
	t.Parallel()

	r, _ := newSQLiteRunner(t)
	if _, err := r.Deduplicate(context.Background(), "emails"); !errors.Is(err, storage.ErrUnknownTable) {
		t.Fatalf("err=%v, want ErrUnknownTable", err)
	}
}

func TestDeduplicateAll(t *testing.T) {
	t.Parallel()

	r, _ := newSQLiteRunner(t)
	removed, err := r.DeduplicateAll(context.Background())
	if err != nil {
		t.Fatalf("DeduplicateAll: %v", err)
	}
	if len(removed) != len(storage.Catalog()) {
		t.Fatalf("removed=%v", removed)
	}
}
