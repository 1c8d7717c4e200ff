package handlers

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// ---------- helpers ----------

func mustParseJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("json.Unmarshal failed: %v\ninput: %q", err, s)
	}
	return v
}

// ---------- tests for core (unexported) ----------

func TestReverseCore(t *testing.T) {
	t.Parallel()
	got := reverseCore("¡Hola, 世界!")
	want := "!界世 ,aloH¡\n"
	if got != want {
		t.Fatalf("reverseCore: got %q want %q", got, want)
	}
}

func TestToUpperCore(t *testing.T) {
	t.Parallel()
	got := toUpperCore("aBc123ñ")
	want := "ABC123Ñ\n"
	if got != want {
		t.Fatalf("toUpperCore: got %q want %q", got, want)
	}
}

func TestHashCore(t *testing.T) {
	t.Parallel()
	type out struct {
		Algo string `json:"algo"`
		Hex  string `json:"hex"`
	}
	o := mustParseJSON[out](t, hashCore("abc"))
	if o.Algo != "sha256" {
		t.Fatalf("algo = %q", o.Algo)
	}
	// SHA-256("abc")
	const exp = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if o.Hex != exp {
		t.Fatalf("hex = %q want %q", o.Hex, exp)
	}
}

func TestTimestampCore(t *testing.T) {
	t.Parallel()
	type out struct {
		Unix int64  `json:"unix"`
		UTC  string `json:"utc"`
	}
	o := mustParseJSON[out](t, timestampCore())
	tt, err := time.Parse(time.RFC3339, o.UTC)
	if err != nil {
		t.Fatalf("utc not RFC3339: %v (val=%q)", err, o.UTC)
	}
	if o.Unix != tt.Unix() {
		t.Fatalf("unix mismatch: json=%d parse(utc)=%d", o.Unix, tt.Unix())
	}
}

func TestFibonacciCore(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n    int
		want string
	}{
		{0, "0\n"},
		{1, "1\n"},
		{10, "55\n"},
		{-5, "error: num debe ser >=0\n"},
	}
	for _, tc := range cases {
		got := fibonacciCore(tc.n)
		if got != tc.want {
			t.Fatalf("fib(%d)=%q want %q", tc.n, got, tc.want)
		}
	}
}

func TestRandomCore(t *testing.T) {
	t.Parallel()
	type out struct {
		Values []int `json:"values"`
	}
	o := mustParseJSON[out](t, randomCore(20, -1, 1))
	if len(o.Values) != 20 {
		t.Fatalf("len=%d want 20", len(o.Values))
	}
	for i, v := range o.Values {
		if v < -1 || v > 1 {
			t.Fatalf("value[%d]=%d out of range [-1,1]", i, v)
		}
	}
}

// ---------- tests for exported handlers ----------

func TestHelpContainsRoutes(t *testing.T) {
	t.Parallel()
	b := Help()
	if b.Status != 200 || b.JSON {
		t.Fatalf("status/json = %d/%v", b.Status, b.JSON)
	}
	wantSnippets := []string{
		"/reverse?text=abc",
		"/toupper?text=abc",
		"/random?count=n&min=a&max=b",
		"/timestamp",
		"/hash?text=abc",
		"/createfile?name=FILE",
		"/jobs/submit?task=TASK",
		"/isprime?n=NUM",
		"/hashfile?name=FILE",
	}
	for _, s := range wantSnippets {
		if !strings.Contains(b.Body, s) {
			t.Fatalf("Help() body missing %q", s)
		}
	}
}

func TestTimestampHandler(t *testing.T) {
	t.Parallel()
	r := Timestamp(nil)
	if r.Status != 200 || !r.JSON {
		t.Fatalf("Timestamp: %+v", r)
	}
	type out struct {
		Unix int64  `json:"unix"`
		UTC  string `json:"utc"`
	}
	o := mustParseJSON[out](t, r.Body)
	if _, err := time.Parse(time.RFC3339, o.UTC); err != nil {
		t.Fatalf("UTC not RFC3339: %v", err)
	}
}

func TestReverseAndToUpperHandlers(t *testing.T) {
	t.Parallel()
	// Reverse ok
	r := Reverse(map[string]string{"text": "Hola"})
	if r.Status != 200 || r.JSON {
		t.Fatalf("Reverse ok: status/json = %d/%v", r.Status, r.JSON)
	}
	if r.Body != "aloH\n" {
		t.Fatalf("Reverse body=%q", r.Body)
	}
	// Reverse missing
	miss := Reverse(map[string]string{})
	if miss.Status != 400 || !miss.JSON || miss.Err == nil || miss.Err.Code != "missing_param" {
		t.Fatalf("Reverse missing: %+v", miss)
	}

	// ToUpper ok
	u := ToUpper(map[string]string{"text": "aBc"})
	if u.Status != 200 || u.JSON || u.Body != "ABC\n" {
		t.Fatalf("ToUpper ok: %+v", u)
	}
	// ToUpper missing
	um := ToUpper(map[string]string{})
	if um.Status != 400 || um.Err == nil || um.Err.Code != "missing_param" {
		t.Fatalf("ToUpper missing: %+v", um)
	}
}

func TestHashHandler(t *testing.T) {
	t.Parallel()
	// OK
	h := Hash(map[string]string{"text": "abc"})
	if h.Status != 200 || !h.JSON {
		t.Fatalf("Hash ok: %+v", h)
	}
	type out struct {
		Algo string `json:"algo"`
		Hex  string `json:"hex"`
	}
	o := mustParseJSON[out](t, h.Body)
	if o.Algo != "sha256" || len(o.Hex) != 64 {
		t.Fatalf("Hash payload: %+v", o)
	}
	// Missing param
	m := Hash(map[string]string{})
	if m.Status != 400 || m.Err == nil || m.Err.Code != "missing_param" {
		t.Fatalf("Hash missing: %+v", m)
	}
}

func TestRandomHandler(t *testing.T) {
	t.Parallel()
	// Missing params
	if r := Random(map[string]string{}); r.Status != 400 {
		t.Fatalf("want 400 for missing count")
	}
	if r := Random(map[string]string{"count": "1"}); r.Status != 400 {
		t.Fatalf("want 400 for missing min")
	}
	if r := Random(map[string]string{"count": "1", "min": "0"}); r.Status != 400 {
		t.Fatalf("want 400 for missing max")
	}
	// Invalid ints
	if r := Random(map[string]string{"count": "0", "min": "0", "max": "1"}); r.Status != 400 {
		t.Fatalf("count must be >=1")
	}
	if r := Random(map[string]string{"count": "1", "min": "a", "max": "1"}); r.Status != 400 {
		t.Fatalf("min must be int")
	}
	if r := Random(map[string]string{"count": "1", "min": "0", "max": "x"}); r.Status != 400 {
		t.Fatalf("max must be int")
	}
	if r := Random(map[string]string{"count": "1", "min": "5", "max": "2"}); r.Status != 400 {
		t.Fatalf("min<=max validation")
	}

	// OK path & range check
	ok := Random(map[string]string{"count": "5", "min": "-1", "max": "1"})
	if ok.Status != 200 || !ok.JSON {
		t.Fatalf("Random ok: %+v", ok)
	}
	type out struct {
		Values []int `json:"values"`
	}
	o := mustParseJSON[out](t, ok.Body)
	if len(o.Values) != 5 {
		t.Fatalf("len=%d want 5", len(o.Values))
	}
	for i, v := range o.Values {
		if v < -1 || v > 1 {
			t.Fatalf("value[%d]=%d out of range [-1,1]", i, v)
		}
	}
}

func TestFibonacciHandler(t *testing.T) {
	t.Parallel()
	if r := Fibonacci(map[string]string{}); r.Status != 400 || r.Err == nil || r.Err.Code != "missing_param" {
		t.Fatalf("Fibonacci missing: %+v", r)
	}
	if r := Fibonacci(map[string]string{"num": "-3"}); r.Status != 400 || r.Err == nil {
		t.Fatalf("Fibonacci negative must 400: %+v", r)
	}
	if r := Fibonacci(map[string]string{"num": "x"}); r.Status != 400 || r.Err == nil {
		t.Fatalf("Fibonacci bad int: %+v", r)
	}
	if r := Fibonacci(map[string]string{"num": "10"}); r.Status != 200 || r.Body != "55\n" {
		t.Fatalf("Fibonacci ok: %+v", r)
	}
}
