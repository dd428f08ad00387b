package wire

// Opcode identifies a registered RPC operation. Both sides of a transport
// must agree on the set of opcodes; there is no negotiation (§4.1).
type Opcode string

// OpTruncate and OpRead carry the two operations a rank cannot satisfy out
// of its own in-process state: a truncate of a file owned by a peer's
// metadata shard (routed through RemoteTable), and a read of fmap extent
// data that lives in a peer's own write-index log (pkg/client's readRemote).
const (
	OpTruncate Opcode = "truncate"
	OpRead     Opcode = "read"
)

// Metadata-shard opcodes: a rank's router dispatches every metadata
// operation through these when the owning shard (mds.Owner) is a peer
// rather than this rank's own in-process mds.Table.
const (
	OpMDSCreate  Opcode = "mds_create"
	OpMDSSearch  Opcode = "mds_search"
	OpMDSFsync   Opcode = "mds_fsync"
	OpMDSFilelen Opcode = "mds_filelen"
	OpMDSAddfmap Opcode = "mds_addfmap"
	OpMDSGetfmap Opcode = "mds_getfmap"
	OpMDSStat    Opcode = "mds_stat"
)
