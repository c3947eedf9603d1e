package dedupe

import (
	"fmt"
	"testing"
	"time"
)

func TestCheckAndMark(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := New(WithClock(func() time.Time { return current }))

	if got := d.CheckAndMark("k1", 0); got != Fresh {
		t.Fatalf("first mark: got %s", got)
	}
	if got := d.CheckAndMark("k1", 0); got != Duplicate {
		t.Fatalf("second mark inside TTL: got %s", got)
	}
	if !d.Seen("k1") {
		t.Fatalf("Seen should report k1")
	}

	current = current.Add(DefaultTTL + time.Second)
	if got := d.CheckAndMark("k1", 0); got != Fresh {
		t.Fatalf("mark after TTL: got %s", got)
	}
}

func TestCustomTTL(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := New(WithClock(func() time.Time { return current }))

	d.CheckAndMark("k", 10*time.Second)
	current = current.Add(9 * time.Second)
	if got := d.CheckAndMark("k", 10*time.Second); got != Duplicate {
		t.Fatalf("inside custom TTL: got %s", got)
	}
	current = current.Add(2 * time.Second)
	if got := d.CheckAndMark("k", 10*time.Second); got != Fresh {
		t.Fatalf("past custom TTL: got %s", got)
	}
}

func TestCapEvictsOldestFirst(t *testing.T) {
	d := New(WithMaxEntries(3))
	for i := 0; i < 3; i++ {
		d.CheckAndMark(fmt.Sprintf("k%d", i), 0)
	}
	d.CheckAndMark("k3", 0)
	if d.Len() != 3 {
		t.Fatalf("cap exceeded: len=%d", d.Len())
	}
	if d.Seen("k0") {
		t.Fatalf("oldest entry should have been evicted")
	}
	if !d.Seen("k3") {
		t.Fatalf("newest entry should remain")
	}
}

func TestSweep(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := New(WithClock(func() time.Time { return current }), WithTTL(time.Minute))

	d.CheckAndMark("old", 0)
	current = current.Add(30 * time.Second)
	d.CheckAndMark("fresh", 0)
	current = current.Add(45 * time.Second)

	if removed := d.Sweep(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if d.Seen("old") {
		t.Fatalf("old should be gone")
	}
	if !d.Seen("fresh") {
		t.Fatalf("fresh should remain")
	}
}

func TestClear(t *testing.T) {
	d := New()
	d.CheckAndMark("a", 0)
	d.CheckAndMark("b", 0)
	d.Clear("a")
	if d.Seen("a") {
		t.Fatalf("a should be cleared")
	}
	if !d.Seen("b") {
		t.Fatalf("b should remain")
	}
	d.Clear("")
	if d.Len() != 0 {
		t.Fatalf("clear all left %d entries", d.Len())
	}
}
