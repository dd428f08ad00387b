// Package mds implements the sharded metadata server (§4.7): each server
// rank owns a shard of the filename -> metadata and filename -> fmap
// namespace, chosen deterministically by owner(name), and serializes all
// access to its shard with a single reader-writer lock — a read-lock for
// search/filelen/getfmap/stat, a write-lock for create/fsync/addfmap,
// matching the original pthread_rwlock_t-guarded mds_table exactly.
package mds

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/marmos91/unifyfs/pkg/attrstore"
	"github.com/marmos91/unifyfs/pkg/fmap"
	"github.com/marmos91/unifyfs/pkg/metrics"
)

// Errors mirror the errno values §4.7 and §7 specify for each operation.
var (
	ErrExists   = errors.New("mds: entry already exists")
	ErrNotFound = errors.New("mds: no such entry")
	ErrNoSpace  = errors.New("mds: shard table full")
	ErrNoFmap   = errors.New("mds: no fmap for entry")
)

// MaxEntries bounds a single shard's table, matching MDS_TABLE_MAX_ENTRIES.
const MaxEntries = 512

// entry is one filename's record at its owning shard (§3's MDS entry).
type entry struct {
	pathname string
	refs     int
	size     uint64
	fmap     *fmap.Fmap
}

// Table is one server rank's shard of the metadata namespace.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
	metrics metrics.MDSMetrics
	store   attrstore.Store
}

// NewTable returns an empty shard with no persistent stat-snapshot mirror;
// every mutation lives only in the in-memory table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry), metrics: metrics.NewMDSMetrics()}
}

// NewTableWithStore returns an empty shard that additionally mirrors each
// entry's size/laminated stat into store as it changes (config's
// meta.kv_dir, §6) — a Badger-backed attrstore.Store survives process
// restart where the table itself does not, though this shard still treats
// the in-memory table as authoritative for every read in this process's
// lifetime; the mirror exists for external inspection and eventual replay
// tooling, not for this table's own reads.
func NewTableWithStore(store attrstore.Store) *Table {
	return &Table{entries: make(map[string]*entry), metrics: metrics.NewMDSMetrics(), store: store}
}

// gfidOf derives the same key pkg/client's gfidOf computes from a pathname,
// so a shard's attrstore mirror and a client's own fd-table agree on a
// file's key without coordination (§3's gfid is a pure function of name).
func gfidOf(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// mirror best-effort persists e's current stat snapshot to the shard's
// attrstore, if one is configured. Mirror failures are not surfaced to the
// caller: the in-memory table stays authoritative, and a mirror write that
// fails leaves the snapshot stale rather than failing the metadata op.
func (t *Table) mirror(e *entry) {
	if t.store == nil {
		return
	}
	size := e.size
	laminated := e.fmap != nil
	_ = t.store.Set(context.Background(), attrstore.Stamp(attrstore.Attr{
		GFID:      gfidOf(e.pathname),
		Size:      size,
		Laminated: laminated,
	}))
}

// Owner computes owner(name) = sum_of_bytes(name) mod serverCount (§3),
// the hash every rank evaluates identically to agree on a name's shard.
func Owner(name string, serverCount int) int {
	sum := 0
	for i := 0; i < len(name); i++ {
		sum += int(name[i])
	}
	return sum % serverCount
}

// Create inserts an empty entry for name (§4.7 create).
func (t *Table) Create(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[name]; ok {
		return ErrExists
	}
	if len(t.entries) >= MaxEntries {
		return ErrNoSpace
	}

	e := &entry{pathname: name, refs: 1}
	t.entries[name] = e
	if t.metrics != nil {
		t.metrics.RecordTableSize(len(t.entries))
	}
	t.mirror(e)
	return nil
}

// Search reports whether name has an entry (§4.7 search).
func (t *Table) Search(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.entries[name]
	return ok
}

// Fsync raises the stored size to max(stored, size) (§4.7 fsync).
func (t *Table) Fsync(name string, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return ErrNotFound
	}
	if size > e.size {
		e.size = size
	}
	t.mirror(e)
	return nil
}

// Truncate sets the stored size to exactly length, unlike Fsync which
// only ever raises it (client/src/unifyfs.c's fid_truncate forwards a
// truncate RPC to the server and then overwrites global_size with the
// requested length, including shrinking it — a supplemented operation,
// §4.7's operation list is the create/search/fsync/filelen/addfmap/
// getfmap/stat set the metadata-server's hash table itself exposes, and
// truncate is the one client-visible mutation missing from it).
func (t *Table) Truncate(name string, length uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return ErrNotFound
	}
	e.size = length
	t.mirror(e)
	return nil
}

// Filelen returns the stored size (§4.7 filelen).
func (t *Table) Filelen(name string) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[name]
	if !ok {
		return 0, ErrNotFound
	}
	return e.size, nil
}

// AddFmap installs or merges newFmap into name's entry (§4.7 addfmap).
func (t *Table) AddFmap(name string, newFmap *fmap.Fmap) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return ErrNotFound
	}

	if e.fmap == nil {
		e.fmap = newFmap
	} else {
		e.fmap = mergeSorted(e.fmap, newFmap)
	}
	if e.fmap.Attr.Size > e.size {
		e.size = e.fmap.Attr.Size
	}
	if t.metrics != nil {
		t.metrics.RecordFmapMerge(len(e.fmap.Extents))
	}
	t.mirror(e)
	return nil
}

// mergeSorted implements §4.7's merge rule: concatenate, sort by offset,
// accept overlap without removal (v1 does not dedupe overlapping extents,
// and neither does pkg/fmap.Merge — this mirrors
// __mds_table_mergefmap's behavior exactly, including that it is
// intentionally less careful than a full reconciliation would be).
func mergeSorted(old, incoming *fmap.Fmap) *fmap.Fmap {
	merged := &fmap.Fmap{
		Rank:    old.Rank,
		Extents: append(append([]fmap.Extent{}, old.Extents...), incoming.Extents...),
	}
	sort.SliceStable(merged.Extents, func(i, j int) bool {
		return merged.Extents[i].Offset < merged.Extents[j].Offset
	})

	merged.Attr = fmap.Attr{
		Size:    maxU64(old.Attr.Size, incoming.Attr.Size),
		Blocks:  old.Attr.Blocks + incoming.Attr.Blocks,
		AtimeNs: maxI64(old.Attr.AtimeNs, incoming.Attr.AtimeNs),
		MtimeNs: maxI64(old.Attr.MtimeNs, incoming.Attr.MtimeNs),
		CtimeNs: maxI64(old.Attr.CtimeNs, incoming.Attr.CtimeNs),
	}
	return merged
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// GetFmap returns the stored fmap for name (§4.7 getfmap). Returning a
// value copy of the pointer under the read-lock, rather than the pointer
// itself held across the caller's subsequent use, is §9's documented fix
// for the original's realloc-under-concurrent-merge race: the caller gets
// a stable snapshot, and a concurrent AddFmap's merge can safely replace
// the entry's own pointer without corrupting what was already returned.
func (t *Table) GetFmap(name string) (*fmap.Fmap, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	if e.fmap == nil {
		return nil, ErrNoFmap
	}

	snapshot := *e.fmap
	snapshot.Extents = append([]fmap.Extent{}, e.fmap.Extents...)
	return &snapshot, nil
}

// Stat returns the stored fmap's attribute snapshot (§4.7 stat).
func (t *Table) Stat(name string) (fmap.Attr, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[name]
	if !ok || e.fmap == nil {
		return fmap.Attr{}, ErrNotFound
	}
	return e.fmap.Attr, nil
}

// Close releases the shard's attrstore mirror, if one was configured.
func (t *Table) Close() error {
	if t.store == nil {
		return nil
	}
	return t.store.Close()
}
