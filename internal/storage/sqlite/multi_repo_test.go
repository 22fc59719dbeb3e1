package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deviceimport/internal/storage"
	"deviceimport/pkg/records"
)

func openTestRepo(t *testing.T) *MultiRepo {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "device.db")
	repo, err := NewMulti(context.Background(), storage.MultiConfig{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("NewMulti: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureTables(context.Background(), storage.Catalog()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	return repo.(*MultiRepo)
}

// parseSQLiteTime parses the TEXT timestamps written by formatSQLiteTime.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

func TestEnsureTables_Idempotent(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	for i := 0; i < 2; i++ {
		if err := repo.EnsureTables(context.Background(), storage.Catalog()); err != nil {
			t.Fatalf("EnsureTables run %d: %v", i, err)
		}
	}
	for _, spec := range storage.Catalog() {
		n, err := repo.CountRows(context.Background(), spec.Name)
		if err != nil || n != 0 {
			t.Fatalf("CountRows(%s)=%d err=%v", spec.Name, n, err)
		}
	}
}

func TestEnsureTables_BadSpecIsSchemaInit(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	err := repo.EnsureTables(context.Background(), []storage.TableSpec{{Name: "bad", AutoCreateTable: true}})
	if !errors.Is(err, storage.ErrSchemaInit) {
		t.Fatalf("err=%v, want ErrSchemaInit", err)
	}
}

func TestInsertBatch_SMSReimportAddsNothing(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := catalogSpec(t, "sms")
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	rows := [][]any{
		{"Incoming", "555", "hello", ts, nil, "a1"},
		{"Outgoing", "555", "bye", ts.Add(time.Minute), nil, "a2"},
		{"Outgoing", "555", "bye", ts.Add(time.Minute), nil, "a2"},
	}

	first, err := repo.InsertBatch(ctx, spec, spec.ColumnNames(), rows)
	if err != nil {
		t.Fatalf("first InsertBatch: %v", err)
	}
	if first.Attempted != 3 || first.Inserted != 2 || first.Duplicates() != 1 {
		t.Fatalf("first=%+v", first)
	}

	second, err := repo.InsertBatch(ctx, spec, spec.ColumnNames(), rows)
	if err != nil {
		t.Fatalf("second InsertBatch: %v", err)
	}
	if second.Inserted != 0 {
		t.Fatalf("second=%+v", second)
	}
}

func TestInsertBatch_ContactUpsertRefreshesTime(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := catalogSpec(t, "contacts")
	old := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	newer := old.Add(48 * time.Hour)

	if _, err := repo.InsertBatch(ctx, spec, spec.ColumnNames(), [][]any{{"Ann", "555", nil, old, "c1"}}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	res, err := repo.InsertBatch(ctx, spec, spec.ColumnNames(), [][]any{
		{"Ann", "555", nil, newer, "c2"},
		{"Ann", "555", nil, newer.Add(time.Hour), "c3"},
		{"Bob", nil, nil, nil, "c4"},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("inserted=%d, want 1 (only Bob is new)", res.Inserted)
	}

	var raw string
	if err := repo.db.QueryRow(`SELECT last_message_time FROM contacts WHERE name = 'Ann'`).Scan(&raw); err != nil {
		t.Fatalf("select: %v", err)
	}
	got, err := parseSQLiteTime(raw)
	if err != nil {
		t.Fatalf("parseSQLiteTime(%q): %v", raw, err)
	}
	// The first row per key in a batch wins.
	if !got.Equal(newer) {
		t.Fatalf("last_message_time=%s, want %s", got, newer)
	}
}

func TestInsertBatch_ChatsKeepNullSenders(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := catalogSpec(t, "chats")
	ts := time.Date(2024, 5, 5, 12, 0, 0, 0, time.UTC)
	rows := [][]any{
		{"WhatsApp", nil, "user", "hi", ts, nil, "x1"},
		{"WhatsApp", nil, "user", "hi again", ts, nil, "x2"},
		{"WhatsApp", "Ann", "user", "yo", ts, nil, "x3"},
		{"WhatsApp", "Ann", "user", "yo", ts, nil, "x3"},
	}
	res, err := repo.InsertBatch(ctx, spec, spec.ColumnNames(), rows)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if res.Inserted != 3 {
		t.Fatalf("inserted=%d, want 3", res.Inserted)
	}
}

func TestDeleteDuplicates_KeepsSmallestID(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	ctx := context.Background()
	spec := catalogSpec(t, "calls")
	ts := time.Date(2024, 2, 28, 10, 0, 0, 0, time.UTC)
	dup := []any{"Incoming", ts, "555", int64(45), nil, "h1"}
	rows := [][]any{dup, {"Outgoing", ts, "556", int64(3), nil, "h2"}, dup, dup}

	for i := 0; i < 2; i++ {
		if _, err := repo.InsertBatch(ctx, spec, spec.ColumnNames(), rows); err != nil {
			t.Fatalf("InsertBatch: %v", err)
		}
	}

	removed, err := repo.DeleteDuplicates(ctx, "calls", records.HashColumn, records.IDColumn)
	if err != nil {
		t.Fatalf("DeleteDuplicates: %v", err)
	}
	if removed != 6 {
		t.Fatalf("removed=%d, want 6", removed)
	}

	var minID int64
	if err := repo.db.QueryRow(`SELECT id FROM calls WHERE content_hash = 'h1'`).Scan(&minID); err != nil {
		t.Fatalf("select: %v", err)
	}
	if minID != 1 {
		t.Fatalf("kept id=%d, want 1", minID)
	}

	again, err := repo.DeleteDuplicates(ctx, "calls", records.HashColumn, records.IDColumn)
	if err != nil || again != 0 {
		t.Fatalf("second pass removed=%d err=%v", again, err)
	}
}

func TestDeleteDuplicates_RequiresArgs(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	if _, err := repo.DeleteDuplicates(context.Background(), "calls", "", "id"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFormatSQLiteTime_RoundTrip(t *testing.T) {
	t.Parallel()
	in := time.Date(2026, 1, 27, 12, 17, 8, 123, time.FixedZone("X", 3600))
	s := formatSQLiteTime(in)
	got, err := parseSQLiteTime(s)
	if err != nil {
		t.Fatalf("parseSQLiteTime(formatSQLiteTime()) err=%v", err)
	}
	if got.UTC() != in.UTC() {
		t.Fatalf("round trip mismatch: got=%s want=%s", got.UTC(), in.UTC())
	}
}
