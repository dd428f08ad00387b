// Package client implements the mount/attach orchestrator (C9): the
// single runtime handle spec.md §9 calls for ("client-side superblock
// pointers, client_rpc_context, the filetab, the MDS table... map to a
// single runtime handle threaded through public entry points"),
// grounded on client/src/unifyfs.c's unifyfs_mount/unifyfs_unmount
// sequence and dittofs's cmd/dittofs ordered bring-up/reverse-teardown.
//
// A Client is one rank's combined view: its own write path (C5) over its
// own superblock and log, its own MDS shard and local storage manager
// (C7/C8) serving names it owns, and dialed connections to every other
// rank's equivalent for names it doesn't. §1 excludes the actual POSIX
// intercept glue and MPI-based rank discovery as external collaborators;
// Client exposes the operations that glue would call (Open/ReadAt/
// WriteAt/Close/Truncate/Sync/Filesize/Laminate) and accepts the peer
// address list in place of live rank discovery.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/marmos91/unifyfs/internal/logger"
	"github.com/marmos91/unifyfs/internal/telemetry"
	"github.com/marmos91/unifyfs/pkg/attrstore"
	"github.com/marmos91/unifyfs/pkg/config"
	"github.com/marmos91/unifyfs/pkg/fdtable"
	"github.com/marmos91/unifyfs/pkg/fmap"
	"github.com/marmos91/unifyfs/pkg/lsm"
	"github.com/marmos91/unifyfs/pkg/mds"
	"github.com/marmos91/unifyfs/pkg/rpc"
	"github.com/marmos91/unifyfs/pkg/shm"
	"github.com/marmos91/unifyfs/pkg/superblock"
	"github.com/marmos91/unifyfs/pkg/transfer"
	"github.com/marmos91/unifyfs/pkg/writepath"
)

// ErrNotOpen is returned for any operation against an fd this client
// never opened or has already closed.
var ErrNotOpen = errors.New("client: fd not open")

// indexEntrySize mirrors pkg/superblock's unexported constant (gfid(8) +
// logicalOffset(8) + physicalOffset(8) + length(8)) so write_index_size
// can be converted from bytes to an entry count without superblock
// exporting its internal layout arithmetic.
const indexEntrySize = 32

// openFile is one fd's bookkeeping: the name it was opened under, its
// local superblock slot, and the gfid every rank agrees on for it.
type openFile struct {
	name string
	fid  int
	gfid uint64
}

// Client is one rank's mounted view of the aggregated namespace.
type Client struct {
	prefix string
	rank   int
	nranks int
	appID  string

	cfg config.Config

	fdt    *fdtable.Table
	sb     *superblock.Superblock
	log    *writepath.Log
	writer *writepath.Writer
	local  *mds.Table
	lsm    *lsm.Manager
	router *router

	recv *shm.Region

	peerClients []*rpc.Client // indexed by rank, nil for self
	listener    net.Listener
	server      *rpc.Server
	serverDone  chan error

	mu    sync.Mutex
	files map[int]*openFile
}

// appIDFromPrefix derives a stable app id from the mount prefix so every
// rank mounting the same prefix agrees on it without a coordinating call
// (unifyfs_generate_gfid's role in unifyfs_mount — here a namespaced UUID
// rather than a bit-hash, since app id only needs to be stable and
// collision-resistant, not compact).
func appIDFromPrefix(prefix string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(prefix)).String()
}

// newShard opens this rank's MDS shard, wiring in a Badger-backed
// attrstore stat-snapshot mirror when kvDir is set (config's meta.kv_dir,
// §6) or an in-memory one otherwise — the shard table itself is always
// the authoritative in-memory mds.Table either way.
func newShard(kvDir string) (*mds.Table, error) {
	if kvDir == "" {
		return mds.NewTableWithStore(attrstore.NewMemoryStore()), nil
	}
	store, err := attrstore.OpenBadgerStore(kvDir)
	if err != nil {
		return nil, err
	}
	return mds.NewTableWithStore(store), nil
}

// Mount brings up one rank's client runtime against prefix (spec.md §6's
// mount(prefix, rank, nranks, app_id)): superblock and write-index log,
// this rank's own MDS shard and local storage manager, a listener serving
// both to its peers, and dialed connections to every peer named in
// cfg.Server.Peers. If appID is empty, one is derived from prefix so
// every rank mounting the same prefix agrees without coordination.
func Mount(ctx context.Context, cfg config.Config, prefix string, rank, nranks int, appID string) (c *Client, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanClientMount, trace.WithAttributes(
		telemetry.Rank(rank), telemetry.Path(prefix), telemetry.Count(nranks)))
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}()

	if nranks <= 0 {
		nranks = 1
	}
	if appID == "" {
		appID = appIDFromPrefix(prefix)
	}

	logger.Info("mounting", "prefix", prefix, "rank", rank, "nranks", nranks, "app_id", appID)

	fdt := fdtable.New(prefix, softFDLimit())

	superName := fmt.Sprintf("unifyfs-super-%s-%d", appID, rank)
	maxIndexEntries := int(cfg.Client.WriteIndexSize.Uint64()) / indexEntrySize
	if maxIndexEntries < 1 {
		maxIndexEntries = 1
	}
	sb, err := superblock.Open(superName, cfg.Client.MaxFiles, maxIndexEntries)
	if err != nil {
		return nil, fmt.Errorf("client: open superblock: %w", err)
	}

	logPath := filepath.Join(cfg.LogIO.SpillDir, fmt.Sprintf("rank-%d.log", rank))
	logf, err := writepath.OpenLog(logPath)
	if err != nil {
		sb.Close()
		return nil, fmt.Errorf("client: open log: %w", err)
	}

	materializedRoot := filepath.Join(cfg.LogIO.SpillDir, "materialized")
	if err := os.MkdirAll(materializedRoot, 0o755); err != nil {
		sb.Close()
		logf.Close()
		return nil, fmt.Errorf("client: create materialized root: %w", err)
	}

	localShard, err := newShard(cfg.Meta.KVDir)
	if err != nil {
		sb.Close()
		logf.Close()
		return nil, fmt.Errorf("client: open attrstore mirror: %w", err)
	}

	c = &Client{
		prefix: prefix,
		rank:   rank,
		nranks: nranks,
		appID:  appID,
		cfg:    cfg,
		fdt:    fdt,
		sb:     sb,
		log:    logf,
		local:  localShard,
		files:  make(map[int]*openFile),
	}

	peers := make([]shard, nranks)
	clients := make([]*rpc.Client, nranks)
	for i := 0; i < nranks; i++ {
		if i == rank {
			continue
		}
		if i >= len(cfg.Server.Peers) || cfg.Server.Peers[i] == "" {
			continue
		}
		rc, err := rpc.Dial("tcp", cfg.Server.Peers[i])
		if err != nil {
			c.closePartial()
			return nil, fmt.Errorf("client: dial rank %d at %s: %w", i, cfg.Server.Peers[i], err)
		}
		clients[i] = rc
		peers[i] = mds.NewRemoteTable(rc)
	}
	c.peerClients = clients

	c.router = newRouter(rank, nranks, localShard, peers)
	c.writer = writepath.New(sb, logf, c.router, writepath.Options{
		FlattenWrites: cfg.Client.FlattenWrites,
		LocalExtents:  cfg.Client.LocalExtents,
	})

	lsmMgr, err := lsm.New(materializedRoot, c.router, uint32(rank))
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("client: init local storage manager: %w", err)
	}
	c.lsm = lsmMgr
	if err := c.lsm.Mount(prefix); err != nil {
		c.closePartial()
		return nil, fmt.Errorf("client: mount %s: %w", prefix, err)
	}

	var addr string
	if rank < len(cfg.Server.Peers) {
		addr = cfg.Server.Peers[rank]
	}
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("client: listen on %s: %w", addr, err)
	}
	c.listener = l

	handlers := mds.ServerHandlers(localShard)
	for op, h := range c.readHandlers() {
		handlers[op] = h
	}
	c.server = rpc.NewServer(l, handlers)
	c.serverDone = make(chan error, 1)
	go func() { c.serverDone <- c.server.Serve(ctx) }()

	recvName := fmt.Sprintf("unifyfs-data-%s-%d", appID, rank)
	recvSize := int(cfg.Client.RecvDataSize.Uint64())
	if recvSize < 1 {
		recvSize = 1
	}
	recv, _, err := shm.CreateOrOpen(recvName, recvSize)
	if err != nil {
		c.closePartial()
		return nil, fmt.Errorf("client: create recv region: %w", err)
	}
	c.recv = recv

	fdt.MarkInitialized()
	logger.Info("mount complete", "prefix", prefix, "rank", rank, "listen_addr", l.Addr().String())
	return c, nil
}

// closePartial releases whatever was brought up before a later bring-up
// step failed, so a failed Mount never leaks an shm region, log file, or
// dialed connection.
func (c *Client) closePartial() {
	for _, rc := range c.peerClients {
		if rc != nil {
			rc.Close()
		}
	}
	if c.listener != nil {
		c.listener.Close()
	}
	if c.log != nil {
		c.log.Close()
	}
	if c.sb != nil {
		c.sb.Close()
	}
	if c.recv != nil {
		c.recv.Detach()
	}
	if c.local != nil {
		c.local.Close()
	}
}

// Unmount tears down this rank's client runtime in reverse bring-up
// order (unifyfs_unmount).
func (c *Client) Unmount() (err error) {
	ctx, span := telemetry.StartSpan(context.Background(), telemetry.SpanClientUnmount, trace.WithAttributes(
		telemetry.Rank(c.rank), telemetry.Path(c.prefix)))
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}()

	logger.Info("unmounting", "prefix", c.prefix, "rank", c.rank)

	if c.recv != nil {
		c.recv.Detach()
	}
	if c.server != nil {
		c.server.Close()
		<-c.serverDone
	}
	for _, rc := range c.peerClients {
		if rc != nil {
			rc.Close()
		}
	}
	if err := c.log.Close(); err != nil {
		return fmt.Errorf("client: close log: %w", err)
	}
	if err := c.sb.Close(); err != nil {
		return fmt.Errorf("client: close superblock: %w", err)
	}
	if c.local != nil {
		if err := c.local.Close(); err != nil {
			return fmt.Errorf("client: close attrstore mirror: %w", err)
		}
	}
	return nil
}

// softFDLimit reads the process's current RLIMIT_NOFILE soft limit,
// falling back to a conservative default if it can't be read — §4.4's
// partition point above which every fd is ours.
func softFDLimit() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 1024
	}
	return int(rlim.Cur)
}

// Create registers name with its owning shard and allocates a local file
// id for it, without opening an fd (Open(..., O_CREATE) does both).
func (c *Client) Create(name string) error {
	return c.router.Create(name)
}

// Open realizes name as an fd on this rank: O_CREATE registers a new
// name and allocates a fresh superblock slot; otherwise the name must
// already exist at its owning shard. A write-mode open (O_WRONLY or
// O_RDWR) of a name some rank has already laminated is rejected, the
// same EROFS-equivalent unifyfs_fid_open enforces against a laminated
// global attribute (§8 scenario 3) — a freshly created name can never
// be laminated yet, so the check only applies to the existing-name path.
func (c *Client) Open(name string, flags int) (int, error) {
	laminated := false
	if flags&os.O_CREATE != 0 {
		if err := c.router.Create(name); err != nil {
			return -1, err
		}
	} else if !c.router.Search(name) {
		return -1, fmt.Errorf("client: %s: %w", name, os.ErrNotExist)
	} else if _, err := c.router.GetFmap(name); err == nil {
		laminated = true
		if flags&(os.O_WRONLY|os.O_RDWR) != 0 {
			return -1, fmt.Errorf("client: %s: %w", name, writepath.ErrLaminated)
		}
	}

	fid, ok := c.sb.AllocFileID()
	if !ok {
		return -1, fmt.Errorf("client: %s: %w", name, errNoSpace)
	}
	gfid := gfidOf(name)
	if err := c.sb.SetFilename(fid, name); err != nil {
		c.sb.FreeFileID(fid)
		return -1, err
	}
	if err := c.sb.SetFileMeta(fid, superblock.FileMeta{GFID: gfid, Laminated: laminated}); err != nil {
		c.sb.FreeFileID(fid)
		return -1, err
	}

	fd := c.fdt.Alloc(fdtable.FileHandle{Path: name, Ino: gfid})

	c.mu.Lock()
	c.files[fd] = &openFile{name: name, fid: fid, gfid: gfid}
	c.mu.Unlock()
	return fd, nil
}

var errNoSpace = errors.New("no space left in local file table")

func (c *Client) lookup(fd int) (*openFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	of, ok := c.files[fd]
	if !ok {
		return nil, ErrNotOpen
	}
	return of, nil
}

// Close releases fd's local state. It does not sync; callers that need
// durability must call Sync first (matching unifyfs_fid_close, which
// leaves pending writes to a later fsync).
func (c *Client) Close(fd int) error {
	c.mu.Lock()
	of, ok := c.files[fd]
	if ok {
		delete(c.files, fd)
	}
	c.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	if err := c.fdt.Release(fd); err != nil {
		return err
	}
	return c.sb.FreeFileID(of.fid)
}

// WriteAt appends buf at logical offset pos in fd's file (§4.5).
func (c *Client) WriteAt(fd int, pos uint64, buf []byte) (int, error) {
	of, err := c.lookup(fd)
	if err != nil {
		return 0, err
	}
	if err := c.writer.Write(of.fid, of.gfid, pos, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// ReadAt reads length bytes at logical offset pos from fd's file,
// preferring this rank's own uncommitted writes (CanReadLocally) and
// otherwise resolving the file's fmap extent by extent, pulling any
// extent another rank owns over that rank's connection.
func (c *Client) ReadAt(fd int, pos uint64, buf []byte) (int, error) {
	of, err := c.lookup(fd)
	if err != nil {
		return 0, err
	}
	length := uint64(len(buf))
	if length == 0 {
		return 0, nil
	}

	if c.writer.CanReadLocally(of.fid, pos, length) {
		data, err := c.writer.ReadLocal(of.gfid, pos, length)
		if err != nil {
			return 0, err
		}
		return copy(buf, data), nil
	}

	f, err := c.router.GetFmap(of.name)
	if err != nil {
		return 0, fmt.Errorf("client: getfmap %s: %w", of.name, err)
	}

	n := uint64(0)
	for n < length {
		ext, ok := findExtent(f.Extents, pos+n)
		if !ok {
			break
		}
		avail := ext.Offset + ext.Length - (pos + n)
		want := length - n
		if avail < want {
			want = avail
		}

		var chunk []byte
		if ext.Rank == uint32(c.rank) {
			chunk, err = c.writer.ReadLocal(of.gfid, pos+n, want)
		} else {
			chunk, err = c.readRemote(ext.Rank, of.name, pos+n, want)
		}
		if err != nil {
			return int(n), err
		}
		copy(buf[n:], chunk)
		n += uint64(len(chunk))
		if uint64(len(chunk)) < want {
			break // short read from the owning rank; stop rather than loop
		}
	}
	return int(n), nil
}

// findExtent returns the extent covering pos, if any. Extents are sorted
// by offset (§3 invariant) but the set is typically small, so a linear
// scan is simplest and matches the original's own linear merge scan.
func findExtent(extents []fmap.Extent, pos uint64) (fmap.Extent, bool) {
	for _, e := range extents {
		if pos >= e.Offset && pos < e.Offset+e.Length {
			return e, true
		}
	}
	return fmap.Extent{}, false
}

// Truncate rejects laminated files and otherwise forwards the new length
// to the owning shard (§4.5).
func (c *Client) Truncate(fd int, length uint64) error {
	of, err := c.lookup(fd)
	if err != nil {
		return err
	}
	return c.writer.Truncate(of.fid, of.name, length)
}

// Sync pushes fd's accumulated log size to its owning shard.
func (c *Client) Sync(fd int) error {
	of, err := c.lookup(fd)
	if err != nil {
		return err
	}
	return c.writer.Sync(of.fid, of.name)
}

// Filesize returns fd's logical size (§4.5).
func (c *Client) Filesize(fd int) (uint64, error) {
	of, err := c.lookup(fd)
	if err != nil {
		return 0, err
	}
	return c.writer.Filesize(of.fid, of.name)
}

// Stat returns the owning shard's attribute snapshot for fd (only
// meaningful once the file has at least one fmap installed).
func (c *Client) Stat(fd int) (fmap.Attr, error) {
	of, err := c.lookup(fd)
	if err != nil {
		return fmap.Attr{}, err
	}
	return c.router.Stat(of.name)
}

// Laminate freezes fd's file: any pending writes are synced, an fmap is
// built directly from this rank's own write-index entries (no FIEMAP
// probe needed — the index already records exactly this writer's
// logical-to-physical mapping) and pushed to the owning shard, and the
// file is marked laminated so future writes and non-EINVAL truncates are
// rejected (§4.5, §8 scenario 3).
func (c *Client) Laminate(fd int) error {
	of, err := c.lookup(fd)
	if err != nil {
		return err
	}
	if err := c.writer.Sync(of.fid, of.name); err != nil {
		return err
	}

	meta, err := c.sb.FileMeta(of.fid)
	if err != nil {
		return fmt.Errorf("client: filemeta for fid %d: %w", of.fid, err)
	}

	extents, err := c.localExtents(of.gfid)
	if err != nil {
		return err
	}
	attr := fmap.Attr{
		Size:    meta.LogSize,
		Blocks:  (meta.LogSize + 511) / 512,
		MtimeNs: time.Now().UnixNano(),
	}
	built := fmap.BuildFromPhysicalExtents(uint32(c.rank), extents, attr)
	if err := c.router.AddFmap(of.name, built); err != nil {
		return fmt.Errorf("client: addfmap %s: %w", of.name, err)
	}

	meta.Laminated = true
	meta.GlobalSize = meta.LogSize
	return c.sb.SetFileMeta(of.fid, meta)
}

// localExtents collects this rank's own write-index entries for gfid as
// a flat extent list, the input fmap.BuildFromPhysicalExtents expects.
func (c *Client) localExtents(gfid uint64) ([]fmap.Extent, error) {
	count := c.sb.IndexEntryCount()
	if max := c.sb.Layout().MaxIndexEntries; count > max {
		count = max
	}
	var extents []fmap.Extent
	for i := 0; i < count; i++ {
		e, err := c.sb.IndexEntryAt(i)
		if err != nil {
			return nil, err
		}
		if e.GFID != gfid {
			continue
		}
		extents = append(extents, fmap.Extent{Rank: uint32(c.rank), Offset: e.LogicalOffset, Length: e.Length})
	}
	return extents, nil
}

// TransferFile stages bytes between an external path and a name in the
// aggregated namespace (spec.md §6's transfer_file). Exactly one side is
// an external os file; the other is materialized through this rank's
// local storage manager so Close's harvest-and-addfmap makes it visible
// to every other rank afterward.
func (c *Client) TransferFile(ctx context.Context, src, dst string, parallel bool) error {
	switch {
	case c.fdt.BelongsToMount(dst) && !c.fdt.BelongsToMount(src):
		return c.stageIn(ctx, src, stripPrefix(dst, c.prefix), parallel)
	case c.fdt.BelongsToMount(src) && !c.fdt.BelongsToMount(dst):
		return c.stageOut(ctx, stripPrefix(src, c.prefix), dst, parallel)
	default:
		return fmt.Errorf("client: transfer_file requires exactly one of src/dst under %s", c.prefix)
	}
}

func stripPrefix(path, prefix string) string {
	if len(path) > len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

func (c *Client) stageIn(ctx context.Context, srcPath, dstName string, parallel bool) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("client: open %s: %w", srcPath, err)
	}
	defer srcFile.Close()
	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("client: stat %s: %w", srcPath, err)
	}

	ino, err := c.lsm.Open(dstName, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("client: lsm open %s: %w", dstName, err)
	}
	dstFile, err := os.OpenFile(c.lsm.RealPath(dstName), os.O_WRONLY, 0o644)
	if err != nil {
		c.lsm.Close(ino)
		return fmt.Errorf("client: open backing file %s: %w", dstName, err)
	}

	err = transfer.Transfer(ctx, srcFile, dstFile, info.Size(), parallel, transfer.Config{Rank: c.rank, NRanks: c.nranks})
	closeErr := dstFile.Close()
	if err == nil {
		err = closeErr
	}
	if cerr := c.lsm.Close(ino); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) stageOut(ctx context.Context, srcName, dstPath string, parallel bool) error {
	attr, err := c.router.Stat(srcName)
	if err != nil {
		return fmt.Errorf("client: stat %s: %w", srcName, err)
	}

	ino, err := c.lsm.Open(srcName, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("client: lsm open %s: %w", srcName, err)
	}
	defer c.lsm.Close(ino)

	srcFile, err := os.Open(c.lsm.RealPath(srcName))
	if err != nil {
		return fmt.Errorf("client: open backing file %s: %w", srcName, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("client: create %s: %w", dstPath, err)
	}
	defer dstFile.Close()

	return transfer.Transfer(ctx, srcFile, dstFile, int64(attr.Size), parallel, transfer.Config{Rank: c.rank, NRanks: c.nranks})
}
