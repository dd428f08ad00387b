package extent

import (
	"reflect"
	"testing"
)

func TestInsert_CoalescesAdjacentAndOverlapping(t *testing.T) {
	tr := New()
	tr.Insert(0, 100)
	tr.Insert(100, 50) // adjacent
	tr.Insert(90, 20)  // overlaps the boundary

	got := tr.Extents()
	want := []Extent{{Offset: 0, Length: 150}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestInsert_KeepsDisjointExtentsSeparate(t *testing.T) {
	tr := New()
	tr.Insert(0, 10)
	tr.Insert(100, 10)

	got := tr.Extents()
	want := []Extent{{Offset: 0, Length: 10}, {Offset: 100, Length: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestInsert_BridgesGapBetweenTwoExtents(t *testing.T) {
	tr := New()
	tr.Insert(0, 10)
	tr.Insert(20, 10)
	tr.Insert(10, 10) // fills the gap, should merge all three

	got := tr.Extents()
	want := []Extent{{Offset: 0, Length: 30}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCovers(t *testing.T) {
	tr := New()
	tr.Insert(100, 50) // [100, 150)

	cases := []struct {
		off, length uint64
		want        bool
	}{
		{100, 50, true},
		{110, 10, true},
		{90, 10, false},
		{140, 20, false},
		{0, 10, false},
	}
	for _, c := range cases {
		if got := tr.Covers(c.off, c.length); got != c.want {
			t.Errorf("Covers(%d, %d) = %v, want %v", c.off, c.length, got, c.want)
		}
	}
}

func TestInsert_ZeroLengthIsNoop(t *testing.T) {
	tr := New()
	tr.Insert(5, 0)
	if len(tr.Extents()) != 0 {
		t.Fatalf("expected no extents from a zero-length insert, got %+v", tr.Extents())
	}
}

func TestCompact_PreservesExternalView(t *testing.T) {
	tr := New()
	tr.Insert(0, 10)
	tr.Insert(20, 10)
	tr.Insert(10, 10) // triggers a merge, tombstoning two nodes

	before := tr.Extents()
	tr.Compact()
	after := tr.Extents()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("Compact changed the visible extent set: before=%+v after=%+v", before, after)
	}
}
