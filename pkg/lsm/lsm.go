// Package lsm implements the local storage manager (C8): each server rank
// owns a root directory on its local filesystem and materializes every
// file a client opens against it as an ordinary file underneath that
// root, tracking open-refcounts and the fmap each file accumulates
// (server/src/unifyfs_lsm.c's filetab, lsm_map_fmap, unifyfs_lsm_*).
//
// A laminated file opened read-only is never written locally: its fmap is
// fetched from the metadata server and materialized into a named shared
// memory region (§4.2/§3) so a client can mmap it and resolve reads
// directly against the backing ranks' data, without another round trip
// through this manager.
package lsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marmos91/unifyfs/pkg/fmap"
	"github.com/marmos91/unifyfs/pkg/harvest"
	"github.com/marmos91/unifyfs/pkg/shm"
)

// ErrNotTracked is returned by Stat for an inode this manager never
// opened (e.g. a bare read-only open that only ever touches the fmap
// cache, mirroring the original's "refcount < 0 means O_RDONLY" case).
var ErrNotTracked = errors.New("lsm: inode not tracked")

// ErrNotFound mirrors the original's ENOENT-on-search-miss for a
// non-creating open against a name the metadata server doesn't know.
var ErrNotFound = errors.New("lsm: no such file")

// MetadataClient is the subset of pkg/mds.Table's contract this manager
// needs. A Manager talks to whichever shard owns a given name — locally
// via this interface if co-located, or a future RPC-backed
// implementation of the same interface otherwise; pkg/mds.Table already
// satisfies it.
type MetadataClient interface {
	Create(name string) error
	Search(name string) bool
	AddFmap(name string, f *fmap.Fmap) error
	GetFmap(name string) (*fmap.Fmap, error)
	Stat(name string) (fmap.Attr, error)
}

// fileEntry is one open file's bookkeeping (§3's filetab entry, folded
// into a map keyed by inode rather than the original's linear-scan
// array — the original's filetab_ref/filetab_unref loop over a fixed
// UNIFYFS_MAX_FILETAB_SIZE array by inode equality; a map gives the same
// semantics without the fixed-size bound or the O(n) scan).
type fileEntry struct {
	pathname   string // the mds key
	realPath   string // local backing file
	refs       int
	fmapMapped bool
}

// Manager is one server rank's local storage manager.
type Manager struct {
	root string
	rank uint32
	mds  MetadataClient

	mountMu sync.Mutex

	ftMu    sync.RWMutex
	filetab map[uint64]*fileEntry
}

// New resolves root to an absolute path and returns a Manager rooted
// there. root must already exist (mirrors unifyfs_lsm_init's stat check).
func New(root string, mds MetadataClient, rank uint32) (*Manager, error) {
	sb, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("lsm: %s is not a valid path: %w", root, err)
	}
	if !sb.IsDir() {
		return nil, fmt.Errorf("lsm: %s is not a directory", root)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("lsm: resolve %s: %w", root, err)
	}

	return &Manager{
		root:    abs,
		rank:    rank,
		mds:     mds,
		filetab: make(map[uint64]*fileEntry),
	}, nil
}

// RealPath maps a virtual path to its location under this rank's root.
func (m *Manager) RealPath(pathname string) string {
	return filepath.Join(m.root, pathname)
}

// Mount ensures mountpoint exists as a directory under root, creating it
// if absent (unifyfs_lsm_mount).
func (m *Manager) Mount(mountpoint string) error {
	m.mountMu.Lock()
	defer m.mountMu.Unlock()

	conpath := m.RealPath(mountpoint)
	sb, err := os.Stat(conpath)
	if err == nil {
		if !sb.IsDir() {
			return fmt.Errorf("lsm: %s exists and is not a directory", conpath)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("lsm: stat %s: %w", conpath, err)
	}
	if err := os.MkdirAll(conpath, 0o755); err != nil {
		return fmt.Errorf("lsm: mkdir %s: %w", conpath, err)
	}
	return nil
}

// Open realizes pathname under root, registering or checking it against
// the metadata server depending on flags (unifyfs_lsm_open):
//   - O_CREATE: creates the name's metadata entry.
//   - O_RDONLY: assumes the file is laminated and maps its fmap.
//   - otherwise: requires the name already exist, then opens the local
//     backing file, creating it if absent.
func (m *Manager) Open(pathname string, flags int, mode os.FileMode) (uint64, error) {
	switch {
	case flags&os.O_CREATE != 0:
		if err := m.mds.Create(pathname); err != nil {
			return 0, fmt.Errorf("lsm: create %s: %w", pathname, err)
		}
	case flags == os.O_RDONLY:
		// laminated read path; fmap is fetched below once we have an inode.
	default:
		if !m.mds.Search(pathname) {
			return 0, ErrNotFound
		}
		flags |= os.O_CREATE
	}

	realPath := m.RealPath(pathname)
	f, err := os.OpenFile(realPath, flags, mode)
	if err != nil {
		return 0, fmt.Errorf("lsm: open %s: %w", realPath, err)
	}
	defer f.Close()

	sb, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("lsm: stat %s: %w", realPath, err)
	}
	ino, err := inodeOf(sb)
	if err != nil {
		return 0, fmt.Errorf("lsm: %w", err)
	}

	if flags == os.O_RDONLY {
		if err := m.mapFmap(ino, pathname); err != nil {
			return 0, err
		}
	} else {
		m.ref(ino, pathname, realPath)
	}
	return ino, nil
}

// Close drops ino's reference. When the last writer releases it, the
// locally-harvested fmap is pushed to the metadata server
// (unifyfs_lsm_close). Closing an inode this manager never tracked (a
// bare read-only open) is a no-op, matching the original's refcount<0
// early return.
func (m *Manager) Close(ino uint64) error {
	m.ftMu.Lock()
	e, ok := m.filetab[ino]
	if !ok {
		m.ftMu.Unlock()
		return nil
	}
	e.refs--
	refs := e.refs
	pathname, realPath := e.pathname, e.realPath
	if refs <= 0 {
		delete(m.filetab, ino)
	}
	m.ftMu.Unlock()

	if refs > 0 {
		return nil
	}

	built, err := harvest.Harvest(realPath, m.rank)
	if err != nil {
		return fmt.Errorf("lsm: harvest %s: %w", realPath, err)
	}
	if err := m.mds.AddFmap(pathname, built); err != nil {
		return fmt.Errorf("lsm: addfmap %s: %w", pathname, err)
	}
	return nil
}

// Stat returns the metadata server's attribute snapshot for ino
// (unifyfs_lsm_stat).
func (m *Manager) Stat(ino uint64) (fmap.Attr, error) {
	m.ftMu.RLock()
	e, ok := m.filetab[ino]
	m.ftMu.RUnlock()
	if !ok {
		return fmap.Attr{}, ErrNotTracked
	}
	return m.mds.Stat(e.pathname)
}

func (m *Manager) ref(ino uint64, pathname, realPath string) {
	m.ftMu.Lock()
	defer m.ftMu.Unlock()

	if e, ok := m.filetab[ino]; ok {
		e.refs++
		return
	}
	m.filetab[ino] = &fileEntry{pathname: pathname, realPath: realPath, refs: 1}
}

// mapFmap fetches ino's fmap from the metadata server and materializes
// it into a named shared memory region a client can mmap directly
// (lsm_map_fmap). A region that already exists means another rank's
// manager (or an earlier open by this one) already did the work.
func (m *Manager) mapFmap(ino uint64, pathname string) error {
	m.ftMu.Lock()
	if e, ok := m.filetab[ino]; ok && e.fmapMapped {
		m.ftMu.Unlock()
		return nil
	}
	m.ftMu.Unlock()

	f, err := m.mds.GetFmap(pathname)
	if err != nil {
		return fmt.Errorf("lsm: getfmap %s: %w", pathname, err)
	}

	encoded := f.Encode()
	region, created, err := shm.CreateOrOpen(fmap.ShmName(ino), len(encoded))
	if err != nil {
		return fmt.Errorf("lsm: map fmap shm for %s: %w", pathname, err)
	}
	defer region.Detach()

	if created {
		copy(region.Bytes(), encoded)
		if err := region.Sync(); err != nil {
			return fmt.Errorf("lsm: sync fmap shm for %s: %w", pathname, err)
		}
	}

	m.ftMu.Lock()
	e, ok := m.filetab[ino]
	if !ok {
		e = &fileEntry{pathname: pathname, realPath: m.RealPath(pathname)}
		m.filetab[ino] = e
	}
	e.fmapMapped = true
	m.ftMu.Unlock()
	return nil
}
