// Package fmap implements the per-file extent map (§3): a writer's
// physical extent layout, discovered by probing its local backing file,
// serialized bit-exactly for shared-memory/RPC transport, and merged
// across writers by the MDS.
package fmap

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Extent is one contiguous logical region a rank has written, as reported
// by that rank's physical-extent probe (§3, §4.6).
type Extent struct {
	Rank   uint32
	Offset uint64
	Length uint64
}

// Attr mirrors the subset of a stat(2) snapshot an fmap carries: enough to
// answer size/mtime queries about a laminated file without reopening it.
type Attr struct {
	Size    uint64
	Blocks  uint64
	AtimeNs int64
	MtimeNs int64
	CtimeNs int64
}

// Fmap is the owning rank's extent map for one file, sorted by Offset
// (§3 invariant).
type Fmap struct {
	Rank    uint32
	Attr    Attr
	Extents []Extent
}

// extentWireSize is sizeof(struct unifyfs_fmap_extent): rank(4) offset(8) length(8).
const extentWireSize = 4 + 8 + 8

// headerWireSize is sizeof(struct unifyfs_fmap) minus the flexible extents
// array: rank(4) count(4) + Attr's five fields.
const headerWireSize = 4 + 4 + 8 + 8 + 8 + 8 + 8

// Size returns sizeof(fmap) + count*sizeof(extent), matching the C
// unifyfs_fmap_size formula (§3).
func (f *Fmap) Size() int {
	return headerWireSize + extentWireSize*len(f.Extents)
}

// Encode serializes f bit-exactly per the §3 wire layout.
func (f *Fmap) Encode() []byte {
	buf := make([]byte, f.Size())

	binary.BigEndian.PutUint32(buf[0:4], f.Rank)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(f.Extents)))
	binary.BigEndian.PutUint64(buf[8:16], f.Attr.Size)
	binary.BigEndian.PutUint64(buf[16:24], f.Attr.Blocks)
	binary.BigEndian.PutUint64(buf[24:32], uint64(f.Attr.AtimeNs))
	binary.BigEndian.PutUint64(buf[32:40], uint64(f.Attr.MtimeNs))
	binary.BigEndian.PutUint64(buf[40:48], uint64(f.Attr.CtimeNs))

	off := headerWireSize
	for _, e := range f.Extents {
		binary.BigEndian.PutUint32(buf[off:off+4], e.Rank)
		binary.BigEndian.PutUint64(buf[off+4:off+12], e.Offset)
		binary.BigEndian.PutUint64(buf[off+12:off+20], e.Length)
		off += extentWireSize
	}
	return buf
}

// Decode parses a buffer produced by Encode.
func Decode(buf []byte) (*Fmap, error) {
	if len(buf) < headerWireSize {
		return nil, fmt.Errorf("fmap: buffer too short (%d bytes)", len(buf))
	}

	f := &Fmap{
		Rank: binary.BigEndian.Uint32(buf[0:4]),
	}
	count := binary.BigEndian.Uint32(buf[4:8])
	f.Attr.Size = binary.BigEndian.Uint64(buf[8:16])
	f.Attr.Blocks = binary.BigEndian.Uint64(buf[16:24])
	f.Attr.AtimeNs = int64(binary.BigEndian.Uint64(buf[24:32]))
	f.Attr.MtimeNs = int64(binary.BigEndian.Uint64(buf[32:40]))
	f.Attr.CtimeNs = int64(binary.BigEndian.Uint64(buf[40:48]))

	want := headerWireSize + extentWireSize*int(count)
	if len(buf) < want {
		return nil, fmt.Errorf("fmap: buffer too short for %d extents (have %d, want %d)", count, len(buf), want)
	}

	f.Extents = make([]Extent, count)
	off := headerWireSize
	for i := range f.Extents {
		f.Extents[i] = Extent{
			Rank:   binary.BigEndian.Uint32(buf[off : off+4]),
			Offset: binary.BigEndian.Uint64(buf[off+4 : off+12]),
			Length: binary.BigEndian.Uint64(buf[off+12 : off+20]),
		}
		off += extentWireSize
	}
	return f, nil
}

// BuildFromPhysicalExtents coalesces adjacent physical extents reported by
// a harvest probe (§4.6) into the logical extent list for one rank,
// exactly as mds_build_fmap collapses contiguous fiemap extents.
func BuildFromPhysicalExtents(rank uint32, physical []Extent, attr Attr) *Fmap {
	extents := coalesceAdjacent(rank, physical)
	return &Fmap{Rank: rank, Attr: attr, Extents: extents}
}

func coalesceAdjacent(rank uint32, physical []Extent) []Extent {
	if len(physical) == 0 {
		return nil
	}

	var out []Extent
	start, length := physical[0].Offset, physical[0].Length
	for _, e := range physical[1:] {
		if start+length == e.Offset {
			length += e.Length
			continue
		}
		out = append(out, Extent{Rank: rank, Offset: start, Length: length})
		start, length = e.Offset, e.Length
	}
	out = append(out, Extent{Rank: rank, Offset: start, Length: length})
	return out
}

// Merge combines a newly harvested fmap into an existing one (§3, §4 MDS
// merge): extents are concatenated, resorted by offset, and the attribute
// snapshot takes the max of the size and time fields and the sum of the
// block counts across both — mirroring
// __mds_table_mergefmap exactly, including its "most recent writer wins on
// overlap" ordering (overlaps are resolved downstream by extents.go's
// strictly-sorted consumer favoring the later entry at a given offset).
func Merge(old, incoming *Fmap) *Fmap {
	if old == nil {
		return incoming
	}
	if incoming == nil {
		return old
	}

	merged := &Fmap{
		Rank:    old.Rank,
		Extents: append(append([]Extent{}, old.Extents...), incoming.Extents...),
	}
	sort.SliceStable(merged.Extents, func(i, j int) bool {
		return merged.Extents[i].Offset < merged.Extents[j].Offset
	})

	merged.Attr = Attr{
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

// ShmName derives the per-inode fmap shared-memory region name (§6):
// "unifyfs-fmap-<inode>".
func ShmName(inode uint64) string {
	return fmt.Sprintf("unifyfs-fmap-%d", inode)
}
