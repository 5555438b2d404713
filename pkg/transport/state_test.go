package transport_test

import (
	"testing"
	"time"

	"github.com/MrWong99/consultia/pkg/transport"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	base, max := 200*time.Millisecond, 5*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 200 * time.Millisecond},
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{3, 1600 * time.Millisecond},
		{4, 3200 * time.Millisecond},
		{5, 5 * time.Second},
		{6, 5 * time.Second},
		{60, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := transport.Backoff(tt.attempt, base, max); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Monotonic(t *testing.T) {
	t.Parallel()

	prev := time.Duration(0)
	for a := range 20 {
		d := transport.Backoff(a, 200*time.Millisecond, 5*time.Second)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v < Backoff(%d) = %v", a, d, a-1, prev)
		}
		if d > 5*time.Second {
			t.Fatalf("Backoff(%d) = %v exceeds max", a, d)
		}
		prev = d
	}
}

func TestState_StringRoundTrip(t *testing.T) {
	t.Parallel()

	names := []string{"idle", "connecting", "open", "closing", "closed", "error", "reconnecting"}
	for i, name := range names {
		st := transport.State(i)
		if st.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", i, st.String(), name)
		}
		got, ok := transport.ParseState(name)
		if !ok || got != st {
			t.Errorf("ParseState(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := transport.ParseState("bogus"); ok {
		t.Error("ParseState(bogus) should fail")
	}
	if s := transport.State(99).String(); s != "State(99)" {
		t.Errorf("out of range String() = %q", s)
	}
}
