package superblock

import (
	"testing"

	"github.com/marmos91/unifyfs/pkg/shm"
)

func withTempShmDir(t *testing.T) {
	t.Helper()
	shm.SetDirForTest(t.TempDir())
}

func TestOpen_InitializesMagicAndFreeStack(t *testing.T) {
	withTempShmDir(t)

	sb, err := Open("sb-1", 4, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sb.Close()

	data := sb.region.Bytes()
	magic := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	if magic != InitMagic {
		t.Fatalf("magic = %x, want %x", magic, InitMagic)
	}
}

func TestOpen_SecondAttacherSkipsInit(t *testing.T) {
	withTempShmDir(t)

	sb1, err := Open("sb-2", 4, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sb1.Close()

	id, ok := sb1.AllocFileID()
	if !ok {
		t.Fatalf("AllocFileID failed")
	}
	if err := sb1.SetFilename(id, "/mnt/unify/a.dat"); err != nil {
		t.Fatalf("SetFilename: %v", err)
	}

	sb2, err := Open("sb-2", 4, 8)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer sb2.Close()

	name, ok := sb2.Filename(id)
	if !ok || name != "/mnt/unify/a.dat" {
		t.Fatalf("second attacher did not see first attacher's write: name=%q ok=%v", name, ok)
	}
}

func TestAllocFreeFileID_RoundTrip(t *testing.T) {
	withTempShmDir(t)

	sb, err := Open("sb-3", 2, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sb.Close()

	id1, ok := sb.AllocFileID()
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	id2, ok := sb.AllocFileID()
	if !ok {
		t.Fatal("expected second alloc to succeed")
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %d twice", id1)
	}

	if _, ok := sb.AllocFileID(); ok {
		t.Fatal("expected table-full alloc to fail")
	}

	if err := sb.FreeFileID(id1); err != nil {
		t.Fatalf("FreeFileID: %v", err)
	}
	if _, ok := sb.Filename(id1); ok {
		t.Fatal("expected freed id to have no filename")
	}

	id3, ok := sb.AllocFileID()
	if !ok {
		t.Fatal("expected alloc after free to succeed")
	}
	if id3 != id1 {
		t.Fatalf("expected freed id %d to be reused, got %d", id1, id3)
	}
}

func TestFileMeta_RoundTrip(t *testing.T) {
	withTempShmDir(t)

	sb, err := Open("sb-4", 4, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sb.Close()

	id, _ := sb.AllocFileID()
	want := FileMeta{
		GFID:        0x1122334455667788,
		Mode:        0644,
		Laminated:   true,
		GlobalSize:  4096,
		LogSize:     2048,
		StorageKind: StorageKindLogIO,
		Chunks:      3,
		NeedsSync:   true,
	}
	if err := sb.SetFileMeta(id, want); err != nil {
		t.Fatalf("SetFileMeta: %v", err)
	}

	got, err := sb.FileMeta(id)
	if err != nil {
		t.Fatalf("FileMeta: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestIndexRing_AppendAndWrap(t *testing.T) {
	withTempShmDir(t)

	sb, err := Open("sb-5", 4, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sb.Close()

	entries := []IndexEntry{
		{GFID: 1, LogicalOffset: 0, PhysicalOffset: 0, Length: 100},
		{GFID: 1, LogicalOffset: 100, PhysicalOffset: 100, Length: 100},
		{GFID: 1, LogicalOffset: 200, PhysicalOffset: 200, Length: 100},
	}
	for _, e := range entries {
		if err := sb.AppendIndexEntry(e); err != nil {
			t.Fatalf("AppendIndexEntry: %v", err)
		}
	}

	if got := sb.IndexEntryCount(); got != 3 {
		t.Fatalf("IndexEntryCount = %d, want 3", got)
	}

	// Ring size 2: third append should have wrapped into slot 0.
	got, err := sb.IndexEntryAt(0)
	if err != nil {
		t.Fatalf("IndexEntryAt(0): %v", err)
	}
	if got != entries[2] {
		t.Fatalf("slot 0 = %+v, want wrapped entry %+v", got, entries[2])
	}
}

func TestNewLayout_IndexOffsetPageAligned(t *testing.T) {
	l := NewLayout(128, 1024)
	if l.IndexOffset%pageSize != 0 {
		t.Fatalf("index offset %d not page-aligned", l.IndexOffset)
	}
}
