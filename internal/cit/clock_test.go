package cit

import "testing"

func TestVectorClockMergeIsPointwiseMax(t *testing.T) {
	a := VectorClock{"d1": 2, "d2": 5}
	b := VectorClock{"d1": 4, "d3": 1}

	merged := a.Merge(b)
	if merged["d1"] != 4 || merged["d2"] != 5 || merged["d3"] != 1 {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
	// originals untouched
	if a["d1"] != 2 || b["d2"] != 0 {
		t.Fatalf("merge mutated an input clock")
	}
}

func TestHappensBeforeAndConcurrent(t *testing.T) {
	a := VectorClock{"d1": 1}
	b := a.Clone().Inc("d1")

	if !HappensBefore(a, b) {
		t.Fatal("expected a happens-before b")
	}
	if HappensBefore(b, a) {
		t.Fatal("b should not happen-before a")
	}

	c := VectorClock{"d2": 1}
	if !Concurrent(a, c) {
		t.Fatal("expected a and c to be concurrent")
	}
	if Concurrent(a, a.Clone()) {
		t.Fatal("identical clocks must not be concurrent")
	}
}

func TestIncIsStrictlyIncreasing(t *testing.T) {
	vc := NewVectorClock()
	vc.Inc("d1")
	vc.Inc("d1")
	if vc["d1"] != 2 {
		t.Fatalf("expected counter 2, got %d", vc["d1"])
	}
}
