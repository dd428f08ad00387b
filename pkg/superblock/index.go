package superblock

import (
	"encoding/binary"
	"fmt"
)

// IndexEntry is one write-index record (§3): a writer's logical offset
// maps to a physical offset in its local backing log.
type IndexEntry struct {
	GFID           uint64
	LogicalOffset  uint64
	PhysicalOffset uint64
	Length         uint64
}

func (sb *Superblock) indexEntryOffset(slot int) int {
	return sb.layout.IndexOffset + indexHeaderSize + indexEntrySize*slot
}

// AppendIndexEntry writes e into the next slot of the bounded circular
// index-entry ring and advances the live-entry count header word. Once the
// ring fills, it wraps and overwrites the oldest entry — callers that need
// every entry preserved must drain the log (§4.6 fmap harvest) before it
// wraps around MaxIndexEntries.
func (sb *Superblock) AppendIndexEntry(e IndexEntry) error {
	data := sb.region.Bytes()
	headerPtr := data[sb.layout.IndexOffset:]
	count := binary.BigEndian.Uint32(headerPtr)

	slot := int(count) % sb.layout.MaxIndexEntries
	off := sb.indexEntryOffset(slot)
	buf := data[off : off+indexEntrySize]

	binary.BigEndian.PutUint64(buf[0:8], e.GFID)
	binary.BigEndian.PutUint64(buf[8:16], e.LogicalOffset)
	binary.BigEndian.PutUint64(buf[16:24], e.PhysicalOffset)
	binary.BigEndian.PutUint64(buf[24:32], e.Length)

	binary.BigEndian.PutUint32(headerPtr, count+1)
	return nil
}

// IndexEntryCount returns the number of append calls made so far, which
// may exceed MaxIndexEntries once the ring has wrapped.
func (sb *Superblock) IndexEntryCount() int {
	data := sb.region.Bytes()
	return int(binary.BigEndian.Uint32(data[sb.layout.IndexOffset:]))
}

// IndexEntryAt returns the live entry currently occupying slot, where slot
// is in [0, min(count, MaxIndexEntries)).
func (sb *Superblock) IndexEntryAt(slot int) (IndexEntry, error) {
	if slot < 0 || slot >= sb.layout.MaxIndexEntries {
		return IndexEntry{}, fmt.Errorf("superblock: index slot %d out of range", slot)
	}

	data := sb.region.Bytes()
	off := sb.indexEntryOffset(slot)
	buf := data[off : off+indexEntrySize]

	return IndexEntry{
		GFID:           binary.BigEndian.Uint64(buf[0:8]),
		LogicalOffset:  binary.BigEndian.Uint64(buf[8:16]),
		PhysicalOffset: binary.BigEndian.Uint64(buf[16:24]),
		Length:         binary.BigEndian.Uint64(buf[24:32]),
	}, nil
}
