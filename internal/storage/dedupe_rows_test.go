package storage

import (
	"testing"
	"time"
)

func TestDedupeRowsByColumns_StableAndCorrect(t *testing.T) {
	// A chat batch where (sender, time) repeats. Only the first occurrence of
	// each key may reach the statement; order of first occurrences is kept.
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	columns := []string{"sender", "time", "text"}
	dedupeCols := []string{"sender", "time"}

	rows := [][]any{
		{"Bob", t0, "hi"},
		{"Bob", t0, "hi again"}, // duplicate key, should be dropped
		{"Alice", t0, "hey"},
		{[]byte("Bob"), t0.In(time.FixedZone("CET", 3600)), "same instant"}, // duplicate key
		{"Bob", t0.Add(time.Minute), "later"},
	}

	got, err := DedupeRowsByColumns(rows, columns, dedupeCols)
	if err != nil {
		t.Fatalf("DedupeRowsByColumns returned error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 rows after dedupe, got %d", len(got))
	}
	if got[0][2] != "hi" {
		t.Fatalf("first (Bob, t0) row not preserved; got=%v", got[0])
	}
	if got[1][0] != "Alice" {
		t.Fatalf("unexpected second row; got=%v", got[1])
	}
	if got[2][2] != "later" {
		t.Fatalf("unexpected third row; got=%v", got[2])
	}
}

func TestDedupeRowsByColumns_MissingColumnErrors(t *testing.T) {
	columns := []string{"a", "b"}
	rows := [][]any{{1, 2}, {3, 4}}

	_, err := DedupeRowsByColumns(rows, columns, []string{"missing"})
	if err == nil {
		t.Fatalf("expected error for missing dedupe column, got nil")
	}
}

func TestDedupeRowsByColumns_KeepsNullKeys(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := [][]any{{nil, t0}, {nil, t0}}

	got, err := DedupeRowsByColumns(rows, []string{"sender", "time"}, []string{"sender", "time"})
	if err != nil {
		t.Fatalf("DedupeRowsByColumns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows with NULL keys must be kept, got %d", len(got))
	}
}
