package bridge

import (
	"fmt"
	"testing"
)

func TestDedupeGuard_Seen(t *testing.T) {
	g := NewDedupeGuard(10)

	if g.Seen("a") {
		t.Error("first sighting reported as duplicate")
	}
	if !g.Seen("a") {
		t.Error("second sighting not reported as duplicate")
	}
	if g.Seen("b") {
		t.Error("unrelated ID reported as duplicate")
	}
}

func TestDedupeGuard_FIFOEviction(t *testing.T) {
	g := NewDedupeGuard(3)

	g.Seen("a")
	g.Seen("b")
	g.Seen("c")
	g.Seen("d") // evicts a

	if g.Len() != 3 {
		t.Errorf("Len = %d, want 3", g.Len())
	}
	if g.Seen("a") {
		t.Error("evicted ID still reported as duplicate")
	}
	if !g.Seen("d") {
		t.Error("recent ID forgotten")
	}
}

func TestDedupeGuard_StaysBounded(t *testing.T) {
	g := NewDedupeGuard(100)
	for i := 0; i < 1000; i++ {
		g.Seen(fmt.Sprintf("msg-%d", i))
	}
	if g.Len() != 100 {
		t.Errorf("Len = %d, want 100", g.Len())
	}
}

func TestDedupeGuard_DefaultLimit(t *testing.T) {
	g := NewDedupeGuard(0)
	if g.limit != 2000 {
		t.Errorf("default limit = %d, want 2000", g.limit)
	}
}
