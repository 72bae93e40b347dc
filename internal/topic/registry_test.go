package topic

import (
	"sort"
	"testing"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		match   bool
	}{
		{"price.42", "price.42", true},
		{"price.42", "price.421", false},
		{"price.42", "price.4", false},
		{"price.*", "price.42", true},
		{"price.*", "price.42.depth", true},
		{"price.*", "prices.42", false},
		{"price.*", "price.", true},
		{"orders.*", "price.42", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.topic); got != tt.match {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.match)
		}
	}
}

func TestSubscribeMatchUnsubscribe(t *testing.T) {
	r := NewRegistry()

	r.Subscribe("c1", "price.1")
	r.Subscribe("c2", "price.*")
	r.Subscribe("c3", "price.2")

	assertMatch(t, r, "price.1", "c1", "c2")
	assertMatch(t, r, "price.2", "c2", "c3")
	assertMatch(t, r, "price.3", "c2")
	assertMatch(t, r, "fx.usd")

	r.Unsubscribe("c2", "price.*")
	assertMatch(t, r, "price.3")
	assertMatch(t, r, "price.1", "c1")
}

func TestSubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	if n := r.Subscribe("c1", "price.1"); n != 1 {
		t.Fatalf("first subscribe count = %d, want 1", n)
	}
	if n := r.Subscribe("c1", "price.1"); n != 1 {
		t.Errorf("duplicate subscribe count = %d, want 1", n)
	}
	assertMatch(t, r, "price.1", "c1")
}

func TestUnsubscribeAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	if n := r.Unsubscribe("c1", "price.1"); n != 0 {
		t.Errorf("unsubscribe on empty registry count = %d, want 0", n)
	}
	r.Subscribe("c1", "price.1")
	if n := r.Unsubscribe("c1", "price.9"); n != 1 {
		t.Errorf("unsubscribe of absent pattern count = %d, want 1", n)
	}
}

func TestWildcardAndExactDeduplicated(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "price.1")
	r.Subscribe("c1", "price.*")

	ids := r.Match("price.1")
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("Match = %v, want exactly one c1", ids)
	}
}

func TestDropRemovesAllPatterns(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", "price.1")
	r.Subscribe("c1", "price.*")
	r.Subscribe("c2", "price.1")

	r.Drop("c1")
	assertMatch(t, r, "price.1", "c2")
	assertMatch(t, r, "price.9")
	if n := r.Count("c1"); n != 0 {
		t.Errorf("Count after Drop = %d, want 0", n)
	}

	// Drop is idempotent.
	r.Drop("c1")
}

func TestMatchUnderInterleavings(t *testing.T) {
	r := NewRegistry()

	// Repeated subscribe/unsubscribe interleavings must leave the index
	// consistent with the surviving pattern set.
	for i := 0; i < 50; i++ {
		r.Subscribe("c1", "price.1")
		r.Subscribe("c1", "price.*")
		r.Unsubscribe("c1", "price.1")
		r.Subscribe("c2", "price.1")
		r.Unsubscribe("c2", "price.1")
	}
	assertMatch(t, r, "price.1", "c1")
	assertMatch(t, r, "price.77", "c1")

	got := r.Patterns("c1")
	want := []string{"price.*"}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("Patterns = %v, want %v", got, want)
	}
}

func assertMatch(t *testing.T, r *Registry, topic string, want ...string) {
	t.Helper()
	got := r.Match(topic)
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("Match(%q) = %v, want %v", topic, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Match(%q) = %v, want %v", topic, got, want)
		}
	}
}
