package keys

import "testing"

func TestExtractKeyCodeShapes(t *testing.T) {
	cases := []struct {
		name string
		resp map[string]any
		want uint32
		ok   bool
	}{
		{"top-level camelCase", map[string]any{"keyCode": float64(42)}, 42, true},
		{"top-level snake_case", map[string]any{"key_code": float64(7)}, 7, true},
		{"nested camelCase", map[string]any{"data": map[string]any{"keyCode": float64(99)}}, 99, true},
		{"nested snake_case", map[string]any{"data": map[string]any{"key_code": float64(100)}}, 100, true},
		{"nil map", nil, 0, false},
		{"no code anywhere", map[string]any{"status": "ok"}, 0, false},
		{"data is not a map", map[string]any{"data": "oops"}, 0, false},
	}
	for _, tc := range cases {
		got, ok := ExtractKeyCode(tc.resp)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s: ExtractKeyCode = (%d, %v), want (%d, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractKeyCodePrefersEarlierShape(t *testing.T) {
	resp := map[string]any{
		"keyCode": float64(1),
		"data":    map[string]any{"keyCode": float64(2)},
	}
	got, ok := ExtractKeyCode(resp)
	if !ok || got != 1 {
		t.Fatalf("expected top-level shape to win, got (%d, %v)", got, ok)
	}
}

func TestCoerceKeyCode(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want uint32
		ok   bool
	}{
		{"float64", float64(12), 12, true},
		{"negative float", float64(-1), 0, false},
		{"int", int(8), 8, true},
		{"int64", int64(9), 9, true},
		{"uint32", uint32(10), 10, true},
		{"decimal string", "42", 42, true},
		{"hex string", "0000beef", 0xbeef, true},
		{"padded string", " 5 ", 5, true},
		{"empty string", "", 0, false},
		{"garbage string", "zork", 0, false},
		{"nil", nil, 0, false},
		{"bool", true, 0, false},
	}
	for _, tc := range cases {
		got, ok := coerceKeyCode(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s: coerceKeyCode(%v) = (%d, %v), want (%d, %v)", tc.name, tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
