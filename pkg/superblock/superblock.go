// Package superblock lays out and initializes the per-client superblock
// region (§4.3): an initialization magic word, a free-id stack, the
// filename and filemeta tables, and a page-aligned write-index log, all
// packed into a single named shared-memory region (pkg/shm) in that exact
// order. The process whose exclusive create makes the region populates
// the structures and then publishes the magic word; every later attacher
// waits for the magic word and just observes them.
package superblock

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/marmos91/unifyfs/pkg/shm"
)

// ptr32 returns the address of a byte slice's first element for use as an
// atomic target. Every call site aligns its offset to a 4-byte boundary,
// so the resulting pointer is valid for 32-bit atomic ops.
func ptr32(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// InitMagic marks a superblock whose structures are live. A freshly
// mapped, zero-filled region reads 0 here until the first attacher runs
// Init.
const InitMagic uint32 = 0xDEADBEEF

// MaxFilenameLen bounds a stored path, matching UNIFYFS_MAX_FILENAME (§6).
const MaxFilenameLen = 4096

// pageSize is the alignment the index region must start on so bulk
// transfers and DMA-style access to index entries stay valid (§4.3).
const pageSize = 4096

const (
	magicSize     = 4
	freeStackSize = 4 // top-of-stack index, before the stack body itself

	filenameEntrySize = 1 + MaxFilenameLen // in_use byte + fixed-length name

	// filemeta field layout: gfid(8) mode(4) laminated(1) globalSize(8)
	// logSize(8) storageKind(1) chunks(4) needsSync(1) lock(4).
	filemetaEntrySize = 8 + 4 + 1 + 8 + 8 + 1 + 4 + 1 + 4

	indexHeaderSize = 4 // live-entry count
	// index entry: gfid(8) logicalOffset(8) physicalOffset(8) length(8).
	indexEntrySize = 8 + 8 + 8 + 8
)

// StorageKind identifies a file's backing storage. LOG-IO is the only kind
// implemented (§3); the field exists so a future backend can be added
// without reshaping the superblock.
type StorageKind uint8

const StorageKindLogIO StorageKind = 0

// Layout describes where each section starts within the region, computed
// once from max_files and max_index_entries (§4.3).
type Layout struct {
	MaxFiles        int
	MaxIndexEntries int

	MagicOffset     int
	FreeStackOffset int
	FilenameOffset  int
	FilemetaOffset  int
	IndexOffset     int
	TotalSize       int
}

// NewLayout computes the section offsets for the given capacities,
// page-aligning the index region as required by §4.3.
func NewLayout(maxFiles, maxIndexEntries int) Layout {
	l := Layout{MaxFiles: maxFiles, MaxIndexEntries: maxIndexEntries}

	l.MagicOffset = 0
	l.FreeStackOffset = l.MagicOffset + magicSize
	l.FilenameOffset = l.FreeStackOffset + freeStackSize + 4*maxFiles
	l.FilemetaOffset = l.FilenameOffset + filenameEntrySize*maxFiles

	indexStart := l.FilemetaOffset + filemetaEntrySize*maxFiles
	l.IndexOffset = alignUp(indexStart, pageSize)

	l.TotalSize = l.IndexOffset + indexHeaderSize + indexEntrySize*maxIndexEntries
	return l
}

func alignUp(v, align int) int {
	return (v + align - 1) / align * align
}

// Superblock wraps a mapped region together with the layout used to
// interpret it.
type Superblock struct {
	layout Layout
	region *shm.Region
}

// Open maps (creating if necessary) the named superblock region and
// initializes it if this call is the first attacher (§4.2, §4.3).
func Open(name string, maxFiles, maxIndexEntries int) (*Superblock, error) {
	layout := NewLayout(maxFiles, maxIndexEntries)

	region, created, err := shm.CreateOrOpen(name, layout.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("superblock: open region %q: %w", name, err)
	}

	sb := &Superblock{layout: layout, region: region}
	if created {
		sb.initLocked()
	} else if err := sb.waitForMagic(); err != nil {
		region.Detach()
		return nil, err
	}
	return sb, nil
}

// waitForMagic spins briefly on the magic word for the narrow window
// between a peer's CreateOrOpen succeeding and its Init call completing.
// The region is newly attached here, so there is no long-running
// contention to worry about — just the startup race.
func (sb *Superblock) waitForMagic() error {
	data := sb.region.Bytes()
	magicPtr := (*uint32)(ptr32(data[sb.layout.MagicOffset:]))
	for i := 0; i < 1_000_000; i++ {
		if atomic.LoadUint32(magicPtr) == InitMagic {
			return nil
		}
	}
	return fmt.Errorf("superblock: magic never initialized by creator")
}

// initLocked performs the creator's bring-up: populate the free-id stack
// (the tables and index header keep the zero fill of a new region), and
// finally publish the magic word with an atomic store so subsequent
// attachers skip straight to use (§4.3).
func (sb *Superblock) initLocked() {
	data := sb.region.Bytes()

	stackBody := sb.layout.FreeStackOffset + 4
	for i := 0; i < sb.layout.MaxFiles; i++ {
		binary.BigEndian.PutUint32(data[stackBody+4*i:], uint32(sb.layout.MaxFiles-1-i))
	}
	binary.BigEndian.PutUint32(data[sb.layout.FreeStackOffset:], uint32(sb.layout.MaxFiles))

	magicPtr := (*uint32)(ptr32(data[sb.layout.MagicOffset:]))
	atomic.StoreUint32(magicPtr, InitMagic)
}

// Close detaches the mapping without removing the backing region, so a
// later process can still attach (§4.2's unlink/detach separation).
func (sb *Superblock) Close() error {
	return sb.region.Detach()
}

// Layout exposes the computed section offsets, mainly for tests.
func (sb *Superblock) Layout() Layout {
	return sb.layout
}
