package client

import (
	"github.com/marmos91/unifyfs/pkg/fmap"
	"github.com/marmos91/unifyfs/pkg/mds"
)

// shard is the method set pkg/mds.Table and pkg/mds.RemoteTable both
// satisfy — everything a name's owner needs to answer, whether that
// owner is this rank (in-process) or a peer (over RPC).
type shard interface {
	Create(name string) error
	Search(name string) bool
	Fsync(name string, size uint64) error
	Truncate(name string, length uint64) error
	Filelen(name string) (uint64, error)
	AddFmap(name string, f *fmap.Fmap) error
	GetFmap(name string) (*fmap.Fmap, error)
	Stat(name string) (fmap.Attr, error)
}

// router dispatches every MDS call to name's owner (mds.Owner), whether
// that's this rank's own in-process shard or another rank's shard
// reached over the connection dialed at mount time (§3: "for any two
// ranks and any name n, owner(n) is identical" — every rank must agree,
// so routing is pure function of name and nranks, never cached state).
// It satisfies both pkg/lsm.MetadataClient and pkg/writepath.MetadataServer,
// so those packages never need to know whether a given name's shard is
// local or remote.
type router struct {
	rank   int
	nranks int
	local  *mds.Table
	peers  []shard // peers[rank] is nil for this rank; local is used instead
}

func newRouter(rank, nranks int, local *mds.Table, peers []shard) *router {
	return &router{rank: rank, nranks: nranks, local: local, peers: peers}
}

func (r *router) shardFor(name string) shard {
	owner := mds.Owner(name, r.nranks)
	if owner == r.rank {
		return r.local
	}
	return r.peers[owner]
}

func (r *router) Create(name string) error { return r.shardFor(name).Create(name) }
func (r *router) Search(name string) bool  { return r.shardFor(name).Search(name) }
func (r *router) Fsync(name string, size uint64) error {
	return r.shardFor(name).Fsync(name, size)
}
func (r *router) Truncate(name string, length uint64) error {
	return r.shardFor(name).Truncate(name, length)
}
func (r *router) Filelen(name string) (uint64, error) { return r.shardFor(name).Filelen(name) }
func (r *router) AddFmap(name string, f *fmap.Fmap) error {
	return r.shardFor(name).AddFmap(name, f)
}
func (r *router) GetFmap(name string) (*fmap.Fmap, error) { return r.shardFor(name).GetFmap(name) }
func (r *router) Stat(name string) (fmap.Attr, error)     { return r.shardFor(name).Stat(name) }
