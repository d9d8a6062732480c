package canonical

import (
	"encoding/json"
	"math"
	"testing"
)

func TestCanonicalizeOrderInvariant(t *testing.T) {
	a := map[string]any{
		"b": 2,
		"a": map[string]any{"y": 2, "x": 1},
		"c": []any{"z", "a"},
	}
	b := map[string]any{
		"c": []any{"z", "a"},
		"a": map[string]any{"x": 1, "y": 2},
		"b": 2,
	}
	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ca != cb {
		t.Fatalf("expected same canonical form, got %s vs %s", ca, cb)
	}
	want := `{"a":{"x":1,"y":2},"b":2,"c":["z","a"]}`
	if ca != want {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
}

func TestCanonicalizeScalars(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{true, "true"},
		{"a<b&c>", `"a<b&c>"`},
		{json.Number("285000000"), "285000000"},
		{1.5, "1.5"},
		{[]any{}, "[]"},
		{map[string]any{}, "{}"},
	}
	for _, tc := range cases {
		got, err := Canonicalize(tc.in)
		if err != nil {
			t.Fatalf("Canonicalize(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Canonicalize(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalizeSortsByByteOrder(t *testing.T) {
	got, err := Canonicalize(map[string]any{"b": 1, "B": 2, "é": 3, "a": 4})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := `{"B":2,"a":4,"b":1,"é":3}`
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCanonicalizeNormalizesTypedValues(t *testing.T) {
	type item struct {
		Title string `json:"title"`
		Qty   int    `json:"quantity"`
	}
	got, err := Canonicalize([]item{{Title: "x", Qty: 2}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != `[{"quantity":2,"title":"x"}]` {
		t.Fatalf("unexpected canonical form: %s", got)
	}
}

func TestCanonicalizeRejectsNaN(t *testing.T) {
	if _, err := Canonicalize(map[string]any{"x": math.NaN()}); err == nil {
		t.Fatal("expected error for NaN")
	}
}

func TestHashHexChangesWithValue(t *testing.T) {
	ha, _ := HashHex(map[string]any{"a": 1})
	hb, _ := HashHex(map[string]any{"a": 2})
	if ha == hb {
		t.Fatal("expected different hashes")
	}
	if len(ha) != 64 {
		t.Fatalf("expected sha256 hex, got %q", ha)
	}
}
