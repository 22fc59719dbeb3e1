package transformer

import "testing"

func TestGetRow_ClearsReusedFields(t *testing.T) {
	r := GetRow(3)
	r.Fields[0], r.Fields[1], r.Fields[2] = "a", "b", "c"
	r.Line = 7
	r.Free()

	r2 := GetRow(2)
	if len(r2.Fields) != 2 {
		t.Fatalf("len(Fields)=%d, want 2", len(r2.Fields))
	}
	for i, f := range r2.Fields {
		if f != "" {
			t.Fatalf("field %d not cleared: %q", i, f)
		}
	}
	if r2.Line != 0 {
		t.Fatalf("Line=%d, want 0", r2.Line)
	}
}

func TestRow_GetOutOfRange(t *testing.T) {
	r := GetRow(1)
	r.Fields[0] = "x"

	if got := r.Get(0); got != "x" {
		t.Fatalf("Get(0)=%q", got)
	}
	if got := r.Get(5); got != "" {
		t.Fatalf("Get(5)=%q, want empty", got)
	}
	if got := r.Get(-1); got != "" {
		t.Fatalf("Get(-1)=%q, want empty", got)
	}
}

func TestRow_DropReleasesFields(t *testing.T) {
	r := GetRow(4)
	r.Drop()
	if r.Fields != nil {
		t.Fatalf("expected Fields=nil after Drop")
	}
}
