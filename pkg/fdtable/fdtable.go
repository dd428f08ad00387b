// Package fdtable implements the client-side intercept predicates (C4):
// deciding, for every path, fd, and directory-stream handle an
// intercepted POSIX call sees, whether it belongs to a mounted
// aggregation or should bypass straight to the kernel (spec.md §4.4).
//
// There is no direct teacher file to ground this on — dittofs is a
// userspace server, not an LD_PRELOAD client shim — so this package
// implements §4.4's stated algorithm directly: fd values are partitioned
// numerically (ours are offset above the process's fd soft limit) so a
// caller's fd alone, with no table lookup, tells a syscall wrapper which
// path to take.
package fdtable

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// FileHandle is the internal state behind one of our file-ids.
type FileHandle struct {
	Path string
	Ino  uint64
}

// DirStream is an opaque directory-stream handle, standing in for the
// original's pointer-range membership test: our intercept layer hands
// callers a *DirStream, and membership is exact pointer identity rather
// than a numeric partition (directory streams have no syscall-visible
// integer the kernel also uses, so there is nothing to partition).
type DirStream struct {
	path string
}

// Table holds one mounted aggregation's intercept state: the path prefix
// it owns, the fd-space partition point, and the live fd/stream
// allocations translated through it.
type Table struct {
	mountPrefix string
	softLimit   int
	initialized atomic.Bool

	mu    sync.Mutex
	slots []*FileHandle // internal file-id -> handle, nil if free
	free  []int         // stack of free internal file-ids

	streams map[*DirStream]struct{}
}

// New returns a Table for a mount at prefix, partitioning the fd space
// above softLimit (the process's current RLIMIT_NOFILE soft limit, read
// by the caller and passed in since §1 excludes config/limit discovery
// from this package's scope).
func New(prefix string, softLimit int) *Table {
	return &Table{
		mountPrefix: prefix,
		softLimit:   softLimit,
		streams:     make(map[*DirStream]struct{}),
	}
}

// MarkInitialized flips the predicate on. BelongsToMount short-circuits
// false until this is called, matching §4.4's "short-circuits false
// until initialized is set" — a mount in the middle of bring-up must
// never intercept calls headed for a path it doesn't serve yet.
func (t *Table) MarkInitialized() {
	t.initialized.Store(true)
}

// BelongsToMount reports whether path falls under this mount's prefix, a
// byte-wise comparison that respects the prefix's exact length (so
// "/mnt/unifyfs2" does not match prefix "/mnt/unifyfs").
func (t *Table) BelongsToMount(path string) bool {
	if !t.initialized.Load() {
		return false
	}
	if !strings.HasPrefix(path, t.mountPrefix) {
		return false
	}
	if len(path) == len(t.mountPrefix) {
		return true
	}
	return path[len(t.mountPrefix)] == '/'
}

// IsOurFD reports whether fd was handed out by Alloc, purely from its
// numeric value — any fd at or above softLimit is ours, by construction.
func (t *Table) IsOurFD(fd int) bool {
	return fd >= t.softLimit
}

// Alloc assigns h an internal file-id and returns the caller-visible fd
// (the internal id offset by softLimit) a syscall wrapper should return
// from e.g. an intercepted open().
func (t *Table) Alloc(h FileHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id int
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[id] = &h
	} else {
		id = len(t.slots)
		t.slots = append(t.slots, &h)
	}
	return id + t.softLimit
}

// Translate maps a caller-visible fd back to its FileHandle. It returns
// false for any fd below softLimit (not ours, bypass) or one that was
// never allocated or already released.
func (t *Table) Translate(fd int) (FileHandle, bool) {
	if !t.IsOurFD(fd) {
		return FileHandle{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := fd - t.softLimit
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return FileHandle{}, false
	}
	return *t.slots[id], true
}

// Release frees fd's internal file-id for reuse.
func (t *Table) Release(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := fd - t.softLimit
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return fmt.Errorf("fdtable: fd %d not allocated", fd)
	}
	t.slots[id] = nil
	t.free = append(t.free, id)
	return nil
}

// NewStream allocates a directory-stream handle for path, ours by
// pointer identity from the moment it is returned.
func (t *Table) NewStream(path string) *DirStream {
	s := &DirStream{path: path}
	t.mu.Lock()
	t.streams[s] = struct{}{}
	t.mu.Unlock()
	return s
}

// IsOurStream reports whether s was allocated by this table's NewStream
// and not yet released — the pointer-range membership test's Go
// equivalent.
func (t *Table) IsOurStream(s *DirStream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.streams[s]
	return ok
}

// ReleaseStream retires a directory-stream handle.
func (t *Table) ReleaseStream(s *DirStream) {
	t.mu.Lock()
	delete(t.streams, s)
	t.mu.Unlock()
}
