package simindex

import (
	"fmt"
	"testing"
)

// unitVector returns a one-hot vector of the given dimension. Distinct axes
// are mutually orthogonal (cosine 0), so they never dedup against each other.
func unitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestLookup_HitAboveThreshold(t *testing.T) {
	ix := New(0.93, 100)
	e1 := []float32{1, 0.05, 0}

	if !ix.Insert("NAC", Entry{Embedding: e1, Question: "What is minimum rest?", Answer: "10 hours", Status: "clear", ResponseTime: 1.2, Category: "rest"}) {
		t.Fatal("Insert returned false for first entry")
	}

	// Nearly parallel vector: similarity well above 0.93.
	m, ok := ix.Lookup([]float32{1, 0.06, 0}, "NAC")
	if !ok {
		t.Fatal("expected hit")
	}
	if m.Answer != "10 hours" {
		t.Errorf("Answer = %q, want %q", m.Answer, "10 hours")
	}
	if m.Question != "What is minimum rest?" {
		t.Errorf("Question = %q, want canonical stored text", m.Question)
	}
	if m.ResponseTime != 1.2 {
		t.Errorf("ResponseTime = %v, want 1.2", m.ResponseTime)
	}

	// Orthogonal-ish vector: similarity far below threshold.
	if _, ok := ix.Lookup([]float32{0, 0, 1}, "NAC"); ok {
		t.Error("expected miss for dissimilar embedding")
	}
}

func TestLookup_EqualToThresholdIsMiss(t *testing.T) {
	// Identical vectors have cosine similarity exactly 1.0; with the
	// threshold at 1.0 the comparison must be strict, so this is a miss.
	ix := New(1.0, 10)
	v := []float32{0.3, 0.4, 0.5}
	ix.Insert("k", Entry{Embedding: v, Answer: "a"})

	if _, ok := ix.Lookup(v, "k"); ok {
		t.Error("similarity equal to threshold must be a miss")
	}
}

func TestLookup_ZeroVectorNeverMatches(t *testing.T) {
	ix := New(0.93, 10)
	ix.Insert("k", Entry{Embedding: []float32{1, 2, 3}, Answer: "a"})

	if _, ok := ix.Lookup([]float32{0, 0, 0}, "k"); ok {
		t.Error("zero query vector must never match")
	}

	// Stored zero vector against itself is also defined as similarity 0.
	ix.Insert("z", Entry{Embedding: []float32{0, 0, 0}, Answer: "b"})
	if _, ok := ix.Lookup([]float32{0, 0, 0}, "z"); ok {
		t.Error("zero stored vector must never match")
	}
}

func TestLookup_TieResolvesToEarliest(t *testing.T) {
	ix := New(0.5, 10)
	v := []float32{1, 0}
	// Hydrate bypasses the dedup scan, so two identical embeddings can
	// coexist; the earliest must win the tie.
	ix.Hydrate("k", Entry{Embedding: v, Answer: "first"})
	ix.Hydrate("k", Entry{Embedding: v, Answer: "second"})

	m, ok := ix.Lookup(v, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if m.Answer != "first" {
		t.Errorf("Answer = %q, want %q (earliest entry)", m.Answer, "first")
	}
}

func TestInsert_DedupKeepsFirst(t *testing.T) {
	ix := New(0.93, 100)
	if !ix.Insert("k", Entry{Embedding: []float32{1, 0.01}, Answer: "original"}) {
		t.Fatal("first insert rejected")
	}
	if ix.Insert("k", Entry{Embedding: []float32{1, 0.02}, Answer: "duplicate"}) {
		t.Error("near-duplicate insert accepted")
	}

	if got := ix.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	m, ok := ix.Lookup([]float32{1, 0.01}, "k")
	if !ok || m.Answer != "original" {
		t.Errorf("retained entry = %+v, want the first one", m)
	}
}

func TestInsert_CapacityEvictsOldest(t *testing.T) {
	const capacity = 5
	const dim = capacity + 1
	ix := New(0.93, capacity)

	// capacity+1 mutually orthogonal entries: the first must be evicted.
	for i := 0; i < capacity+1; i++ {
		e := Entry{Embedding: unitVector(dim, i), Answer: fmt.Sprintf("a%d", i)}
		if !ix.Insert("k", e) {
			t.Fatalf("insert %d rejected", i)
		}
	}

	if got := ix.Len(); got != capacity {
		t.Fatalf("Len = %d, want %d", got, capacity)
	}
	if _, ok := ix.Lookup(unitVector(dim, 0), "k"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := ix.Lookup(unitVector(dim, capacity), "k"); !ok {
		t.Error("newest entry should be present")
	}
}

func TestHydrate_StopsAtCapacity(t *testing.T) {
	ix := New(0.93, 2)
	if !ix.Hydrate("k", Entry{Embedding: unitVector(3, 0)}) {
		t.Fatal("first hydrate rejected")
	}
	if !ix.Hydrate("k", Entry{Embedding: unitVector(3, 1)}) {
		t.Fatal("second hydrate rejected")
	}
	if ix.Hydrate("k", Entry{Embedding: unitVector(3, 2)}) {
		t.Error("hydrate beyond capacity accepted")
	}
	if got := ix.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestKeyIsolation(t *testing.T) {
	ix := New(0.93, 10)
	v := []float32{1, 0, 0}
	ix.Insert("contractA", Entry{Embedding: v, Answer: "a"})

	if _, ok := ix.Lookup(v, "contractB"); ok {
		t.Error("lookup under a different key must miss regardless of similarity")
	}

	// Identical embeddings under different keys are not duplicates.
	if !ix.Insert("contractB", Entry{Embedding: v, Answer: "b"}) {
		t.Error("insert under a different key rejected as duplicate")
	}
}

func TestRemoveByCategory(t *testing.T) {
	ix := New(0.93, 10)
	ix.Insert("k", Entry{Embedding: unitVector(4, 0), Category: "pay"})
	ix.Insert("k", Entry{Embedding: unitVector(4, 1), Category: "rest"})
	ix.Insert("k", Entry{Embedding: unitVector(4, 2), Category: "pay"})
	ix.Insert("other", Entry{Embedding: unitVector(4, 3), Category: "pay"})

	removed := ix.RemoveByCategory("k", "pay")
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if counts := ix.KeyCounts(); counts["k"] != 1 || counts["other"] != 1 {
		t.Errorf("KeyCounts = %v, want k:1 other:1", counts)
	}
}

func TestRemoveByQuestion(t *testing.T) {
	ix := New(0.93, 10)
	ix.Insert("k", Entry{Embedding: unitVector(3, 0), Question: "q1"})
	ix.Insert("k", Entry{Embedding: unitVector(3, 1), Question: "q2"})

	if removed := ix.RemoveByQuestion("k", "q1"); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if removed := ix.RemoveByQuestion("k", "no such question"); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestCategoryCounts(t *testing.T) {
	ix := New(0.93, 10)
	ix.Insert("a", Entry{Embedding: unitVector(4, 0), Category: "pay"})
	ix.Insert("a", Entry{Embedding: unitVector(4, 1), Category: ""})
	ix.Insert("b", Entry{Embedding: unitVector(4, 2), Category: "pay"})

	counts := ix.CategoryCounts("a")
	if counts["pay"] != 1 || counts[UncategorizedLabel] != 1 {
		t.Errorf("CategoryCounts(a) = %v", counts)
	}

	all := ix.CategoryCounts("")
	if all["pay"] != 2 || all[UncategorizedLabel] != 1 {
		t.Errorf("CategoryCounts(all) = %v", all)
	}
}

func TestClear(t *testing.T) {
	ix := New(0.93, 10)
	ix.Insert("a", Entry{Embedding: unitVector(2, 0)})
	ix.Insert("b", Entry{Embedding: unitVector(2, 1)})

	ix.Clear("a")
	if counts := ix.KeyCounts(); counts["a"] != 0 || counts["b"] != 1 {
		t.Errorf("after Clear(a): KeyCounts = %v", counts)
	}

	ix.ClearAll()
	if ix.Len() != 0 {
		t.Errorf("after ClearAll: Len = %d, want 0", ix.Len())
	}
}
