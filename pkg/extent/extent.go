// Package extent implements the segment-tree container used to coalesce
// a file's written regions (§1's "black-box container with specified
// operations", expanded by §9's design note). It's modeled as an arena of
// nodes indexed by slice position, with the ordered view kept in a sorted
// slice of offsets plus a map from offset to arena index, rather than a
// pointer-linked tree: no
// cyclic ownership, and the whole structure is trivially walkable for
// debugging or serialization into an fmap.
package extent

import (
	"sort"
)

// Extent is one written region [Offset, Offset+Length).
type Extent struct {
	Offset uint64
	Length uint64
}

// End returns the offset one past the extent's last byte.
func (e Extent) End() uint64 {
	return e.Offset + e.Length
}

// node is an arena entry. id is the node's stable identity; Go's slice
// index already serves that role, so node carries no explicit id field.
type node struct {
	extent Extent
	// tombstoned marks a node logically removed after a merge folded it
	// into another; the arena slot is never reused mid-tree to keep
	// existing ids stable, only reclaimed on Compact.
	tombstoned bool
}

// Tree tracks a file's written regions, coalescing overlapping or adjacent
// inserts and answering range queries in offset order.
type Tree struct {
	arena []node
	// order maps an extent's start offset to its arena index, kept sorted
	// by offset via insertion into a slice of keys plus a side index map;
	// a sorted slice of offsets is rebuilt lazily by Insert, which is
	// simpler and fast enough at the per-file extent counts this system
	// sees (typically tens to low hundreds of coalesced runs per file).
	byOffset map[uint64]int
	offsets  []uint64
}

// New returns an empty extent tree.
func New() *Tree {
	return &Tree{byOffset: make(map[uint64]int)}
}

// Insert records a newly written region, coalescing it with any existing
// extents it overlaps or touches. This is the local-write-tracking side of
// §4.5's flattening: each append calls Insert so the tree always reflects
// the union of everything written so far.
func (t *Tree) Insert(off, length uint64) {
	if length == 0 {
		return
	}
	incoming := Extent{Offset: off, Length: length}

	start := t.lowerBound(incoming.Offset)
	var merged []int
	for i := start; i < len(t.offsets); i++ {
		idx := t.byOffset[t.offsets[i]]
		n := &t.arena[idx]
		if n.tombstoned {
			continue
		}
		if n.extent.Offset > incoming.End() {
			break
		}
		if overlapsOrTouches(incoming, n.extent) {
			incoming = union(incoming, n.extent)
			merged = append(merged, i)
		}
	}
	// also check extents starting before incoming that might still touch it
	for i := start - 1; i >= 0; i-- {
		idx := t.byOffset[t.offsets[i]]
		n := &t.arena[idx]
		if n.tombstoned {
			continue
		}
		if !overlapsOrTouches(incoming, n.extent) {
			break
		}
		incoming = union(incoming, n.extent)
		merged = append(merged, i)
	}

	for _, i := range merged {
		idx := t.byOffset[t.offsets[i]]
		t.arena[idx].tombstoned = true
		delete(t.byOffset, t.offsets[i])
	}
	t.rebuildOffsets()

	t.arena = append(t.arena, node{extent: incoming})
	t.byOffset[incoming.Offset] = len(t.arena) - 1
	t.rebuildOffsets()
}

func overlapsOrTouches(a, b Extent) bool {
	return a.Offset <= b.End() && b.Offset <= a.End()
}

func union(a, b Extent) Extent {
	start := minU64(a.Offset, b.Offset)
	end := maxU64(a.End(), b.End())
	return Extent{Offset: start, Length: end - start}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// lowerBound returns the index into t.offsets of the first offset >= off.
func (t *Tree) lowerBound(off uint64) int {
	return sort.Search(len(t.offsets), func(i int) bool {
		return t.offsets[i] >= off
	})
}

func (t *Tree) rebuildOffsets() {
	offsets := make([]uint64, 0, len(t.byOffset))
	for off := range t.byOffset {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	t.offsets = offsets
}

// Extents returns the tree's coalesced extents sorted by offset.
func (t *Tree) Extents() []Extent {
	out := make([]Extent, 0, len(t.offsets))
	for _, off := range t.offsets {
		out = append(out, t.arena[t.byOffset[off]].extent)
	}
	return out
}

// Covers reports whether [off, off+length) lies entirely within a single
// recorded extent, the contract pkg/writepath's local-read short-circuit
// relies on (client.local_extents, §6). Extents never overlap after
// Insert's coalescing, so at most one candidate — the last extent starting
// at or before off — can possibly cover the range.
func (t *Tree) Covers(off, length uint64) bool {
	want := Extent{Offset: off, Length: length}
	i := t.lowerBound(off+1) - 1
	if i < 0 {
		return false
	}
	e := t.arena[t.byOffset[t.offsets[i]]].extent
	return e.Offset <= want.Offset && want.End() <= e.End()
}

// Compact drops tombstoned arena slots, reassigning nothing externally
// visible — callers only ever see offsets via Extents/Covers, never raw
// arena indices, so this is safe to call whenever the tombstone ratio
// grows large.
func (t *Tree) Compact() {
	live := make([]node, 0, len(t.byOffset))
	newByOffset := make(map[uint64]int, len(t.byOffset))
	for _, off := range t.offsets {
		idx := t.byOffset[off]
		newByOffset[off] = len(live)
		live = append(live, t.arena[idx])
	}
	t.arena = live
	t.byOffset = newByOffset
}
