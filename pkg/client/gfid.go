package client

import "hash/fnv"

// gfidOf derives a global file id from a virtual pathname by hashing it,
// standing in for unifyfs_generate_gfid: every rank computes the same
// gfid for the same name without a coordinating round trip, exactly as
// every rank independently computes the same owner(name) shard.
func gfidOf(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}
