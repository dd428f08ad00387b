package mds

import (
	"testing"

	"github.com/marmos91/unifyfs/pkg/fmap"
)

func TestOwner_DeterministicAcrossCalls(t *testing.T) {
	a := Owner("/data/foo.bin", 4)
	b := Owner("/data/foo.bin", 4)
	if a != b {
		t.Fatalf("Owner not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a >= 4 {
		t.Fatalf("Owner out of range: %d", a)
	}
}

func TestOwner_VariesWithServerCount(t *testing.T) {
	sum := 0
	for _, c := range "/data/foo.bin" {
		sum += int(c)
	}
	if got := Owner("/data/foo.bin", 7); got != sum%7 {
		t.Fatalf("Owner(%q, 7) = %d, want %d", "/data/foo.bin", got, sum%7)
	}
}

func TestCreate_DuplicateNameFails(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Create("/a"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := tbl.Create("/a"); err != ErrExists {
		t.Fatalf("second Create: got %v, want ErrExists", err)
	}
}

func TestCreate_RejectsBeyondMaxEntries(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < MaxEntries; i++ {
		name := "/f" + string(rune(i))
		if err := tbl.Create(name); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	if err := tbl.Create("/overflow"); err != ErrNoSpace {
		t.Fatalf("got %v, want ErrNoSpace", err)
	}
}

func TestSearch_FindsCreatedAndMissesUnknown(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")
	if !tbl.Search("/a") {
		t.Fatal("expected /a to be found")
	}
	if tbl.Search("/b") {
		t.Fatal("expected /b to be missing")
	}
}

func TestFsync_RaisesSizeToMax(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")

	if err := tbl.Fsync("/a", 100); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if err := tbl.Fsync("/a", 50); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	size, err := tbl.Filelen("/a")
	if err != nil {
		t.Fatalf("Filelen: %v", err)
	}
	if size != 100 {
		t.Fatalf("size = %d, want 100 (max of 100 and 50)", size)
	}
}

func TestFsync_UnknownNameFails(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Fsync("/missing", 1); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestTruncate_SetsExactSizeIncludingShrinking(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")
	tbl.Fsync("/a", 100)

	if err := tbl.Truncate("/a", 10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if size, err := tbl.Filelen("/a"); err != nil || size != 10 {
		t.Fatalf("Filelen = %d, %v, want 10, nil", size, err)
	}
}

func TestTruncate_UnknownNameFails(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Truncate("/missing", 0); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFilelen_UnknownNameFails(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Filelen("/missing"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAddFmap_InstallsFirstFmap(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")

	f := &fmap.Fmap{
		Rank:    0,
		Attr:    fmap.Attr{Size: 10, Blocks: 1, MtimeNs: 5},
		Extents: []fmap.Extent{{Rank: 0, Offset: 0, Length: 10}},
	}
	if err := tbl.AddFmap("/a", f); err != nil {
		t.Fatalf("AddFmap: %v", err)
	}

	got, err := tbl.GetFmap("/a")
	if err != nil {
		t.Fatalf("GetFmap: %v", err)
	}
	if len(got.Extents) != 1 || got.Extents[0].Length != 10 {
		t.Fatalf("unexpected extents: %+v", got.Extents)
	}
	if size, err := tbl.Filelen("/a"); err != nil || size != 10 {
		t.Fatalf("Filelen = %d, %v, want 10, nil", size, err)
	}
}

func TestAddFmap_MergesAndSortsByOffset(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")

	first := &fmap.Fmap{
		Attr:    fmap.Attr{Size: 20, Blocks: 2, AtimeNs: 1, MtimeNs: 1, CtimeNs: 1},
		Extents: []fmap.Extent{{Rank: 1, Offset: 10, Length: 10}},
	}
	second := &fmap.Fmap{
		Attr:    fmap.Attr{Size: 10, Blocks: 1, AtimeNs: 5, MtimeNs: 5, CtimeNs: 5},
		Extents: []fmap.Extent{{Rank: 0, Offset: 0, Length: 10}},
	}

	if err := tbl.AddFmap("/a", first); err != nil {
		t.Fatalf("AddFmap first: %v", err)
	}
	if err := tbl.AddFmap("/a", second); err != nil {
		t.Fatalf("AddFmap second: %v", err)
	}

	got, err := tbl.GetFmap("/a")
	if err != nil {
		t.Fatalf("GetFmap: %v", err)
	}
	if len(got.Extents) != 2 {
		t.Fatalf("got %d extents, want 2", len(got.Extents))
	}
	if got.Extents[0].Offset != 0 || got.Extents[1].Offset != 10 {
		t.Fatalf("extents not sorted by offset: %+v", got.Extents)
	}

	if got.Attr.Size != 20 {
		t.Fatalf("Attr.Size = %d, want max(20,10)=20", got.Attr.Size)
	}
	if got.Attr.Blocks != 3 {
		t.Fatalf("Attr.Blocks = %d, want sum(2,1)=3", got.Attr.Blocks)
	}
	if got.Attr.MtimeNs != 5 {
		t.Fatalf("Attr.MtimeNs = %d, want max(1,5)=5", got.Attr.MtimeNs)
	}
}

func TestAddFmap_DoesNotDedupeOverlap(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")

	first := &fmap.Fmap{Extents: []fmap.Extent{{Offset: 0, Length: 10}}}
	second := &fmap.Fmap{Extents: []fmap.Extent{{Offset: 5, Length: 10}}}

	tbl.AddFmap("/a", first)
	tbl.AddFmap("/a", second)

	got, err := tbl.GetFmap("/a")
	if err != nil {
		t.Fatalf("GetFmap: %v", err)
	}
	if len(got.Extents) != 2 {
		t.Fatalf("got %d extents, want 2 (overlap not deduped)", len(got.Extents))
	}
}

func TestAddFmap_UnknownNameFails(t *testing.T) {
	tbl := NewTable()
	if err := tbl.AddFmap("/missing", &fmap.Fmap{}); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetFmap_NoFmapYet(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")
	if _, err := tbl.GetFmap("/a"); err != ErrNoFmap {
		t.Fatalf("got %v, want ErrNoFmap", err)
	}
}

func TestGetFmap_UnknownNameFails(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.GetFmap("/missing"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

// TestGetFmap_ReturnsIndependentCopy exercises §9's documented fix: a
// snapshot returned under the read-lock must not alias the entry's live
// fmap, so a later AddFmap merge cannot retroactively mutate what a caller
// already received.
func TestGetFmap_ReturnsIndependentCopy(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")

	tbl.AddFmap("/a", &fmap.Fmap{
		Attr:    fmap.Attr{Size: 10},
		Extents: []fmap.Extent{{Offset: 0, Length: 10}},
	})

	snapshot, err := tbl.GetFmap("/a")
	if err != nil {
		t.Fatalf("GetFmap: %v", err)
	}
	snapshotLen := len(snapshot.Extents)
	snapshotSize := snapshot.Attr.Size

	if err := tbl.AddFmap("/a", &fmap.Fmap{
		Attr:    fmap.Attr{Size: 99},
		Extents: []fmap.Extent{{Offset: 50, Length: 10}},
	}); err != nil {
		t.Fatalf("AddFmap: %v", err)
	}

	if len(snapshot.Extents) != snapshotLen {
		t.Fatalf("snapshot.Extents mutated: len now %d, was %d", len(snapshot.Extents), snapshotLen)
	}
	if snapshot.Attr.Size != snapshotSize {
		t.Fatalf("snapshot.Attr mutated: size now %d, was %d", snapshot.Attr.Size, snapshotSize)
	}

	fresh, err := tbl.GetFmap("/a")
	if err != nil {
		t.Fatalf("GetFmap after merge: %v", err)
	}
	if len(fresh.Extents) != 2 {
		t.Fatalf("fresh snapshot has %d extents, want 2", len(fresh.Extents))
	}
}

func TestStat_ReturnsFmapAttr(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")
	tbl.AddFmap("/a", &fmap.Fmap{Attr: fmap.Attr{Size: 42, Blocks: 1}})

	attr, err := tbl.Stat("/a")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if attr.Size != 42 {
		t.Fatalf("Stat.Size = %d, want 42", attr.Size)
	}
}

func TestStat_NoFmapYetFails(t *testing.T) {
	tbl := NewTable()
	tbl.Create("/a")
	if _, err := tbl.Stat("/a"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStat_UnknownNameFails(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Stat("/missing"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
