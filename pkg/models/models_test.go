package models

import (
	"regexp"
	"testing"
	"time"
)

func TestBranchMetricsStepClosing(t *testing.T) {
	now := time.Now()
	m := NewBranchMetrics(now)
	m.BeginStep("first", now)
	m.BeginStep("second", now.Add(time.Second))

	if len(m.StepHistory) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(m.StepHistory))
	}
	if m.StepHistory[0].EndedAt == nil {
		t.Fatal("beginning step 2 should close step 1")
	}
	if m.StepHistory[1].EndedAt != nil {
		t.Fatal("step 2 should still be open")
	}

	m.Finalize(now.Add(2 * time.Second))
	if m.StepHistory[1].EndedAt == nil {
		t.Fatal("finalize should close the last open step")
	}
	if *m.StepHistory[1].DurationMs < 0 {
		t.Fatal("duration must be non-negative")
	}
}

func TestBranchDrainInjectedPreservesOrder(t *testing.T) {
	b := NewBranch(1, "agent", "hi", true, time.Now())
	b.InjectChannel <- "one"
	b.InjectChannel <- "two"
	b.InjectChannel <- "three"

	got := b.DrainInjected()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if more := b.DrainInjected(); len(more) != 0 {
		t.Fatalf("expected drained channel to return nothing, got %v", more)
	}
}

func TestCallbackExhausted(t *testing.T) {
	cb := &Callback{MaxFires: 2}
	if cb.Exhausted() {
		t.Fatal("fresh callback must not be exhausted")
	}
	cb.FireCount = 2
	if !cb.Exhausted() {
		t.Fatal("callback at max_fires must be exhausted")
	}

	unlimited := &Callback{MaxFires: 0, FireCount: 1000}
	if unlimited.Exhausted() {
		t.Fatal("max_fires=0 must never be exhausted")
	}
}

func TestRollingTailBounded(t *testing.T) {
	tail := NewRollingTail(3)
	for i := 0; i < 5; i++ {
		tail.Push(string(rune('a' + i)))
	}
	lines := tail.Lines()
	if len(lines) != 3 {
		t.Fatalf("expected tail capped at 3, got %d", len(lines))
	}
	want := []string{"c", "d", "e"}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("got %v, want %v", lines, want)
		}
	}
}

func TestPermissionProfileAnchoring(t *testing.T) {
	p, err := NewPermissionProfile("test", []string{`tool:file:.*\.txt`}, []string{`tool:bash:.*`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matchesAny(p.AllowRegexps(), "tool:file:notes.txt") {
		t.Fatal("expected allow match for notes.txt")
	}
	if matchesAny(p.AllowRegexps(), "tool:file:notes.txt\nextra") {
		t.Fatal("pattern must not match across embedded newlines")
	}
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
