// Package writepath implements the client-side write path (C5):
// client/src/unifyfs.c's unifyfs_fid_write/unifyfs_fid_truncate/
// unifyfs_fid_logical_size sequence, threaded through the shared-memory
// superblock's write-index ring (pkg/superblock) and, optionally, the
// segment-tree write coalescing spec.md §9 models as pkg/extent.
package writepath

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/unifyfs/pkg/extent"
	"github.com/marmos91/unifyfs/pkg/superblock"
)

// ErrLaminated is returned by Truncate against a laminated file
// (unifyfs_fid_truncate's EINVAL case — laminated files are immutable).
var ErrLaminated = errors.New("writepath: file is laminated")

// MetadataServer is the subset of pkg/mds.Table a writer needs to
// advance a file's server-visible view.
type MetadataServer interface {
	Fsync(name string, size uint64) error
	Filelen(name string) (uint64, error)
	Truncate(name string, length uint64) error
}

// Options toggles the two optional coalescing trees §4.5 describes.
type Options struct {
	FlattenWrites bool // maintain a segment tree of this file's written ranges
	LocalExtents  bool // mirror writes into a second tree consulted by reads
}

// perFile holds the in-process state Write mutates that has no home in
// the shared-memory superblock: the per-file lock and the two optional
// coalescing trees.
type perFile struct {
	mu      sync.Mutex
	flatten *extent.Tree
	local   *extent.Tree
}

// Writer is one client's write path over one mount's superblock and log.
type Writer struct {
	sb  *superblock.Superblock
	log *Log
	mds MetadataServer
	opt Options

	mu    sync.Mutex
	files map[int]*perFile
}

// New returns a Writer over sb and log, talking to mds for the
// operations that must cross to the owning server.
func New(sb *superblock.Superblock, log *Log, mds MetadataServer, opt Options) *Writer {
	return &Writer{sb: sb, log: log, mds: mds, opt: opt, files: make(map[int]*perFile)}
}

func (w *Writer) fileState(fid int) *perFile {
	w.mu.Lock()
	defer w.mu.Unlock()

	pf, ok := w.files[fid]
	if !ok {
		pf = &perFile{}
		if w.opt.FlattenWrites {
			pf.flatten = extent.New()
		}
		if w.opt.LocalExtents {
			pf.local = extent.New()
		}
		w.files[fid] = pf
	}
	return pf
}

// Write appends buf to the local log at offset pos in fid's logical
// file, records a write-index entry, and updates the file's metadata
// (client/src/unifyfs.c's unifyfs_fid_write, via the FILE_STORAGE_LOGIO
// branch). A zero-length write is a no-op, matching the original's
// short-circuit. A laminated file rejects the write the same way
// Truncate does, rather than silently appending to a file the caller
// has already been told is immutable.
func (w *Writer) Write(fid int, gfid uint64, pos uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	pf := w.fileState(fid)
	pf.mu.Lock()
	defer pf.mu.Unlock()

	meta, err := w.sb.FileMeta(fid)
	if err != nil {
		return fmt.Errorf("writepath: filemeta for fid %d: %w", fid, err)
	}
	if meta.Laminated {
		return ErrLaminated
	}

	physOff, err := w.log.Append(buf)
	if err != nil {
		return err
	}

	entry := superblock.IndexEntry{
		GFID:           gfid,
		LogicalOffset:  pos,
		PhysicalOffset: physOff,
		Length:         uint64(len(buf)),
	}
	if err := w.sb.AppendIndexEntry(entry); err != nil {
		return fmt.Errorf("writepath: append index entry: %w", err)
	}

	meta.LogSize += uint64(len(buf))
	meta.NeedsSync = true
	if err := w.sb.SetFileMeta(fid, meta); err != nil {
		return fmt.Errorf("writepath: update filemeta for fid %d: %w", fid, err)
	}

	if pf.flatten != nil {
		pf.flatten.Insert(pos, uint64(len(buf)))
	}
	if pf.local != nil {
		pf.local.Insert(pos, uint64(len(buf)))
	}
	return nil
}

// CanReadLocally reports whether [offset, offset+length) is fully
// covered by ranges this client itself wrote, letting a read bypass the
// server (§4.5's "second tree consulted by reads"). It is always false
// when local-extents tracking is disabled.
func (w *Writer) CanReadLocally(fid int, offset, length uint64) bool {
	pf := w.fileState(fid)
	if pf.local == nil {
		return false
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.local.Covers(offset, length)
}

// Truncate rejects laminated files, otherwise forwards the new length to
// the owning server and updates the cached global size (log size is
// untouched — truncated-away or newly-implied data is orphaned in the
// log until the next harvest, matching unifyfs_fid_truncate's comment
// that data may be orphaned).
func (w *Writer) Truncate(fid int, name string, length uint64) error {
	pf := w.fileState(fid)
	pf.mu.Lock()
	defer pf.mu.Unlock()

	meta, err := w.sb.FileMeta(fid)
	if err != nil {
		return fmt.Errorf("writepath: filemeta for fid %d: %w", fid, err)
	}
	if meta.Laminated {
		return ErrLaminated
	}

	if err := w.mds.Truncate(name, length); err != nil {
		return fmt.Errorf("writepath: truncate %s: %w", name, err)
	}

	meta.GlobalSize = length
	return w.sb.SetFileMeta(fid, meta)
}

// Sync pushes fid's accumulated log size to the owning server and clears
// needs_sync (client/src/unifyfs.c's unifyfs_sync, invoked here directly
// rather than through a separate sync-by-client-id RPC wrapper).
func (w *Writer) Sync(fid int, name string) error {
	pf := w.fileState(fid)
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return w.syncLocked(fid, name)
}

func (w *Writer) syncLocked(fid int, name string) error {
	meta, err := w.sb.FileMeta(fid)
	if err != nil {
		return fmt.Errorf("writepath: filemeta for fid %d: %w", fid, err)
	}
	if !meta.NeedsSync {
		return nil
	}

	if err := w.mds.Fsync(name, meta.LogSize); err != nil {
		return fmt.Errorf("writepath: fsync %s: %w", name, err)
	}

	meta.NeedsSync = false
	return w.sb.SetFileMeta(fid, meta)
}

// ReadLocal reassembles [offset, offset+length) for gfid from this
// writer's own index entries, the counterpart to Write's append: each
// overlapping entry's physical range is read back from the log and
// painted into the result in index order, so a later overlapping write
// wins over an earlier one. Entries for other files are skipped by GFID;
// a range with no covering entry anywhere is left zeroed (a hole).
func (w *Writer) ReadLocal(gfid uint64, offset, length uint64) ([]byte, error) {
	out := make([]byte, length)
	reqEnd := offset + length

	count := w.sb.IndexEntryCount()
	max := w.sb.Layout().MaxIndexEntries
	if count > max {
		count = max
	}
	for i := 0; i < count; i++ {
		e, err := w.sb.IndexEntryAt(i)
		if err != nil {
			return nil, fmt.Errorf("writepath: index entry %d: %w", i, err)
		}
		if e.GFID != gfid {
			continue
		}
		entryEnd := e.LogicalOffset + e.Length
		lo := maxU64(e.LogicalOffset, offset)
		hi := minU64(entryEnd, reqEnd)
		if lo >= hi {
			continue
		}

		chunkLen := hi - lo
		physStart := e.PhysicalOffset + (lo - e.LogicalOffset)
		data, err := w.log.ReadAt(physStart, chunkLen)
		if err != nil {
			return nil, fmt.Errorf("writepath: read local entry %d: %w", i, err)
		}
		copy(out[lo-offset:], data)
	}
	return out, nil
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

// Filesize returns fid's logical size: the cached global size if
// laminated, otherwise a server round trip after ensuring pending writes
// are synced first (unifyfs_fid_logical_size).
func (w *Writer) Filesize(fid int, name string) (uint64, error) {
	pf := w.fileState(fid)
	pf.mu.Lock()
	defer pf.mu.Unlock()

	meta, err := w.sb.FileMeta(fid)
	if err != nil {
		return 0, fmt.Errorf("writepath: filemeta for fid %d: %w", fid, err)
	}
	if meta.Laminated {
		return meta.GlobalSize, nil
	}

	if meta.NeedsSync {
		if err := w.syncLocked(fid, name); err != nil {
			return 0, err
		}
	}

	size, err := w.mds.Filelen(name)
	if err != nil {
		return 0, fmt.Errorf("writepath: filelen %s: %w", name, err)
	}
	return size, nil
}
