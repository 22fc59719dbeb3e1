package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"

	"deviceimport/internal/storage"
	"deviceimport/pkg/records"
)

func catalogSpec(t *testing.T, name string) storage.TableSpec {
	t.Helper()
	spec, err := storage.TableFor(name)
	if err != nil {
		t.Fatalf("TableFor(%s): %v", name, err)
	}
	return spec
}

// ---- builders ----

func TestBuildCreateSQL_Contacts(t *testing.T) {
	t.Parallel()

	baseSQL, indexSQL, err := buildCreateSQL(catalogSpec(t, "contacts"))
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := "IF OBJECT_ID(N'contacts', N'U') IS NULL BEGIN CREATE TABLE [contacts] (" +
		"[id] BIGINT IDENTITY(1,1) PRIMARY KEY, [name] NVARCHAR(450) NOT NULL, [phone_number] NVARCHAR(MAX) NULL, " +
		"[email] NVARCHAR(MAX) NULL, [last_message_time] DATETIME2 NULL, [content_hash] CHAR(64) NOT NULL, UNIQUE ([name])); END;"
	if baseSQL != want {
		t.Fatalf("baseSQL:\n got %s\nwant %s", baseSQL, want)
	}
	if len(indexSQL) != 1 || !strings.Contains(indexSQL[0], "CREATE INDEX [idx_contacts_hash] ON [contacts] ([content_hash]);") {
		t.Fatalf("indexSQL=%v", indexSQL)
	}
}

func TestBuildIndexSQL_FilteredUnique(t *testing.T) {
	t.Parallel()

	_, indexSQL, err := buildCreateSQL(catalogSpec(t, "chats"))
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	want := "IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'uq_chats_sender_time' AND object_id = OBJECT_ID(N'chats')) " +
		"CREATE UNIQUE INDEX [uq_chats_sender_time] ON [chats] ([sender], [time]) WHERE [sender] IS NOT NULL AND [time] IS NOT NULL;"
	if indexSQL[len(indexSQL)-1] != want {
		t.Fatalf("got %v", indexSQL)
	}
}

func TestBuildMergeSQL_ContactsKeepLatestContact(t *testing.T) {
	t.Parallel()

	spec := catalogSpec(t, "contacts")
	q, _ := buildMergeSQL(spec, spec.ColumnNames(), [][]any{{"Ann", nil, nil, nil, "h1"}})
	want := "WHEN MATCHED THEN UPDATE SET t.[last_message_time] = CASE WHEN v.[last_message_time] IS NULL OR " +
		"t.[last_message_time] >= v.[last_message_time] THEN t.[last_message_time] ELSE v.[last_message_time] END "
	if !strings.Contains(q, want) {
		t.Fatalf("merge:\n got %s\nwant substring %s", q, want)
	}
}

func TestWrapCreateIfMissing_EscapesQuotes(t *testing.T) {
	t.Parallel()

	got := wrapCreateIfMissing("dbo.o'brien", "[a] BIGINT")
	if !strings.HasPrefix(got, "IF OBJECT_ID(N'dbo.o''brien', N'U') IS NULL BEGIN CREATE TABLE [dbo].[o'brien]") {
		t.Fatalf("got %s", got)
	}
}

func TestBuildMergeSQL_Applications(t *testing.T) {
	t.Parallel()

	spec := catalogSpec(t, "applications")
	q, args := buildMergeSQL(spec, spec.ColumnNames(), [][]any{
		{"Maps", "com.maps", nil, "h1"},
		{"Chat", "com.chat", nil, "h2"},
	})
	want := "MERGE INTO [applications] WITH (HOLDLOCK) AS t USING (VALUES (@p1, @p2, @p3, @p4), (@p5, @p6, @p7, @p8)) " +
		"AS v([application_name], [package_name], [installed_date], [content_hash]) ON t.[package_name] = v.[package_name] " +
		"WHEN MATCHED THEN UPDATE SET t.[application_name] = v.[application_name], t.[installed_date] = v.[installed_date] " +
		"WHEN NOT MATCHED THEN INSERT ([application_name], [package_name], [installed_date], [content_hash]) " +
		"VALUES (v.[application_name], v.[package_name], v.[installed_date], v.[content_hash]);"
	if q != want {
		t.Fatalf("merge:\n got %s\nwant %s", q, want)
	}
	if len(args) != 8 {
		t.Fatalf("args=%d", len(args))
	}
}

func TestBuildInsertNotExistsSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertNotExistsSQL("sms", []string{"text", "content_hash"}, [][]any{{"a", "h1"}}, []string{"content_hash"})
	want := "INSERT INTO [sms] ([text], [content_hash]) SELECT v.[text], v.[content_hash] FROM (VALUES (@p1, @p2)) " +
		"AS v([text], [content_hash]) WHERE NOT EXISTS (SELECT 1 FROM [sms] t WHERE t.[content_hash] = v.[content_hash]);"
	if q != want {
		t.Fatalf("got %s\nwant %s", q, want)
	}
	if len(args) != 2 {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildDedupSQL(t *testing.T) {
	t.Parallel()

	got := buildDedupSQL("calls", records.HashColumn, records.IDColumn)
	want := "WITH d AS (SELECT ROW_NUMBER() OVER (PARTITION BY [content_hash] ORDER BY [id]) AS rn FROM [calls] WHERE [content_hash] IS NOT NULL) DELETE FROM d WHERE rn > 1;"
	if got != want {
		t.Fatalf("got %s", got)
	}
}

func TestBuildLockTimeoutSQL(t *testing.T) {
	t.Parallel()

	if got := buildLockTimeoutSQL(storage.PoolConfig{StatementTimeout: 2 * time.Second}); got != "SET LOCK_TIMEOUT 2000;" {
		t.Fatalf("got %q", got)
	}
}

func TestClassifyErr(t *testing.T) {
	t.Parallel()

	for _, n := range []int32{1205, 1222} {
		if !errors.Is(classifyErr(mssqldb.Error{Number: n}), storage.ErrLockConflict) {
			t.Fatalf("error %d should be a lock conflict", n)
		}
	}
	if errors.Is(classifyErr(mssqldb.Error{Number: 2627}), storage.ErrLockConflict) {
		t.Fatalf("2627 must not be transient")
	}
}

// ---- repository behavior over a fake connection ----

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeScanner struct {
	n   int64
	err error
}

func (s fakeScanner) Scan(dest ...any) error {
	if s.err != nil {
		return s.err
	}
	*dest[0].(*int64) = s.n
	return nil
}

// fakeConn plays both the connection and its transaction.
type fakeConn struct {
	mu         sync.Mutex
	counts     []int64
	queries    []string
	execs      []string
	execErr    error
	affected   int64
	isolation  sql.IsolationLevel
	committed  bool
	rolledBack bool
	closed     int
}

func (f *fakeConn) PingContext(context.Context) error { return nil }

func (f *fakeConn) ExecContext(_ context.Context, q string, _ ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, q)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return fakeResult(f.affected), nil
}

func (f *fakeConn) QueryRowContext(_ context.Context, q string, _ ...any) rowScanner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.counts) == 0 {
		return fakeScanner{err: errors.New("no count queued")}
	}
	n := f.counts[0]
	f.counts = f.counts[1:]
	return fakeScanner{n: n}
}

func (f *fakeConn) BeginTx(_ context.Context, opts *sql.TxOptions) (txConn, error) {
	if opts != nil {
		f.isolation = opts.Isolation
	}
	return f, nil
}

func (f *fakeConn) Commit() error {
	f.committed = true
	return nil
}

func (f *fakeConn) Rollback() error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func (f *fakeConn) Close() error   { f.closed++; return nil }
func (f *fakeConn) Discard() error { return f.Close() }

func newFakeRepo(c *fakeConn) *MultiRepo {
	return &MultiRepo{acq: storage.NewAcquirer[dbConn]("fake", storage.PoolConfig{},
		func(context.Context) (dbConn, error) { return c, nil }, nil, nil, nil)}
}

func TestInsertBatch_MergeDedupesAndCounts(t *testing.T) {
	t.Parallel()

	c := &fakeConn{counts: []int64{10, 11}}
	repo := newFakeRepo(c)
	spec := catalogSpec(t, "contacts")

	res, err := repo.InsertBatch(context.Background(), spec, spec.ColumnNames(), [][]any{
		{"Ann", nil, nil, nil, "c1"},
		{"Ann", nil, nil, nil, "c2"},
		{"Bob", nil, nil, nil, "c3"},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if res.Attempted != 3 || res.Inserted != 1 {
		t.Fatalf("res=%+v", res)
	}
	if c.isolation != sql.LevelReadCommitted || !c.committed || c.rolledBack {
		t.Fatalf("tx state: iso=%v committed=%v rolledBack=%v", c.isolation, c.committed, c.rolledBack)
	}
	if len(c.execs) != 1 || !strings.HasPrefix(c.execs[0], "MERGE INTO [contacts]") {
		t.Fatalf("execs=%v", c.execs)
	}
	// Ann appears once after dedupe: 2 rows * 5 columns.
	if !strings.Contains(c.execs[0], "@p10)") || strings.Contains(c.execs[0], "@p11") {
		t.Fatalf("unexpected placeholders: %s", c.execs[0])
	}
	if c.closed != 1 {
		t.Fatalf("conn closed %d times", c.closed)
	}
}

func TestInsertBatch_LocksTableForCountDelta(t *testing.T) {
	t.Parallel()

	c := &fakeConn{counts: []int64{3, 4}}
	repo := newFakeRepo(c)
	spec := catalogSpec(t, "sms")

	if _, err := repo.InsertBatch(context.Background(), spec, spec.ColumnNames(), [][]any{
		{nil, nil, "a", time.Now(), nil, "h"},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	want := []string{
		"SELECT COUNT_BIG(*) FROM [sms] WITH (TABLOCK, UPDLOCK, HOLDLOCK);",
		"SELECT COUNT_BIG(*) FROM [sms];",
	}
	if strings.Join(c.queries, "\n") != strings.Join(want, "\n") {
		t.Fatalf("queries=%q", c.queries)
	}
}

func TestInsertBatch_ChunksByParameterLimit(t *testing.T) {
	t.Parallel()

	c := &fakeConn{counts: []int64{0, 700}}
	repo := newFakeRepo(c)
	spec := catalogSpec(t, "calls")

	rows := make([][]any, 700)
	for i := range rows {
		rows[i] = []any{"Incoming", time.Now(), nil, int64(i), nil, "h"}
	}
	res, err := repo.InsertBatch(context.Background(), spec, spec.ColumnNames(), rows)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	// 2000/6 = 333 rows per statement.
	if len(c.execs) != 3 {
		t.Fatalf("statements=%d, want 3", len(c.execs))
	}
	if res.Inserted != 700 {
		t.Fatalf("inserted=%d", res.Inserted)
	}
}

func TestInsertBatch_IgnoreUsesNotExists(t *testing.T) {
	t.Parallel()

	c := &fakeConn{counts: []int64{5, 5}}
	repo := newFakeRepo(c)
	spec := catalogSpec(t, "chats")

	res, err := repo.InsertBatch(context.Background(), spec, spec.ColumnNames(), [][]any{
		{nil, "Ann", nil, "hi", time.Now(), nil, "x"},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if res.Inserted != 0 || res.Duplicates() != 1 {
		t.Fatalf("res=%+v", res)
	}
	if !strings.Contains(c.execs[0], "WHERE NOT EXISTS (SELECT 1 FROM [chats] t WHERE t.[sender] = v.[sender] AND t.[time] = v.[time])") {
		t.Fatalf("sql=%s", c.execs[0])
	}
}

func TestInsertBatch_DeadlockIsTransientAndRolledBack(t *testing.T) {
	t.Parallel()

	c := &fakeConn{counts: []int64{0}, execErr: mssqldb.Error{Number: 1205, Message: "deadlock victim"}}
	repo := newFakeRepo(c)
	spec := catalogSpec(t, "sms")

	res, err := repo.InsertBatch(context.Background(), spec, spec.ColumnNames(), [][]any{
		{nil, nil, "a", time.Now(), nil, "h"},
	})
	if !storage.IsTransient(err) {
		t.Fatalf("err=%v, want transient", err)
	}
	if res.Inserted != 0 || c.committed || !c.rolledBack {
		t.Fatalf("res=%+v committed=%v rolledBack=%v", res, c.committed, c.rolledBack)
	}
}

func TestDeleteDuplicates_ReportsRowsAffected(t *testing.T) {
	t.Parallel()

	c := &fakeConn{affected: 4}
	repo := newFakeRepo(c)
	n, err := repo.DeleteDuplicates(context.Background(), "calls", records.HashColumn, records.IDColumn)
	if err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !c.committed {
		t.Fatalf("expected commit")
	}
}

func TestCountRows(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(&fakeConn{counts: []int64{42}})
	n, err := repo.CountRows(context.Background(), "keylogs")
	if err != nil || n != 42 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
