package superblock

import (
	"encoding/binary"
	"fmt"
)

// FileMeta mirrors the per-local-file-id metadata described in §3. The
// segment trees for write flattening and local-read short-circuiting live
// in-process (pkg/extent) rather than in shared memory — they're pointer
// heavy and only ever touched by the owning client — so FileMeta carries
// only the fields that must be visible across attachers.
type FileMeta struct {
	GFID        uint64
	Mode        uint32
	Laminated   bool
	GlobalSize  uint64
	LogSize     uint64
	StorageKind StorageKind
	Chunks      uint32
	NeedsSync   bool
}

// AllocFileID pops a local file-id off the free-id stack. The second
// return value is false when every id is already in use (§5 capacity
// limits: ENOMEM/ENOSPC on table full).
func (sb *Superblock) AllocFileID() (int, bool) {
	data := sb.region.Bytes()
	topPtr := data[sb.layout.FreeStackOffset:]
	top := binary.BigEndian.Uint32(topPtr)
	if top == 0 {
		return 0, false
	}

	top--
	idOffset := sb.layout.FreeStackOffset + 4 + 4*int(top)
	id := binary.BigEndian.Uint32(data[idOffset:])
	binary.BigEndian.PutUint32(topPtr, top)
	return int(id), true
}

// FreeFileID pushes a local file-id back onto the free-id stack and clears
// its filename/filemeta entries.
func (sb *Superblock) FreeFileID(id int) error {
	if id < 0 || id >= sb.layout.MaxFiles {
		return fmt.Errorf("superblock: file id %d out of range", id)
	}

	data := sb.region.Bytes()
	topPtr := data[sb.layout.FreeStackOffset:]
	top := binary.BigEndian.Uint32(topPtr)
	if int(top) >= sb.layout.MaxFiles {
		return fmt.Errorf("superblock: free-id stack overflow")
	}

	idOffset := sb.layout.FreeStackOffset + 4 + 4*int(top)
	binary.BigEndian.PutUint32(data[idOffset:], uint32(id))
	binary.BigEndian.PutUint32(topPtr, top+1)

	sb.clearFilename(id)
	sb.clearFilemeta(id)
	return nil
}

func (sb *Superblock) filenameEntryOffset(id int) int {
	return sb.layout.FilenameOffset + filenameEntrySize*id
}

func (sb *Superblock) filemetaEntryOffset(id int) int {
	return sb.layout.FilemetaOffset + filemetaEntrySize*id
}

// SetFilename marks id in use and stores name (§3 file name entry). name
// must fit within MaxFilenameLen-1 bytes, leaving room for the
// UNIFYFS_MAX_FILENAME boundary check callers perform before reaching here.
func (sb *Superblock) SetFilename(id int, name string) error {
	if id < 0 || id >= sb.layout.MaxFiles {
		return fmt.Errorf("superblock: file id %d out of range", id)
	}
	if len(name) >= MaxFilenameLen {
		return fmt.Errorf("superblock: name too long (%d bytes)", len(name))
	}

	data := sb.region.Bytes()
	off := sb.filenameEntryOffset(id)
	data[off] = 1
	nameBuf := data[off+1 : off+filenameEntrySize]
	clear(nameBuf)
	copy(nameBuf, name)
	return nil
}

// Filename returns the stored name for id and whether the entry is in use.
func (sb *Superblock) Filename(id int) (string, bool) {
	if id < 0 || id >= sb.layout.MaxFiles {
		return "", false
	}
	data := sb.region.Bytes()
	off := sb.filenameEntryOffset(id)
	if data[off] == 0 {
		return "", false
	}
	nameBuf := data[off+1 : off+filenameEntrySize]
	end := 0
	for end < len(nameBuf) && nameBuf[end] != 0 {
		end++
	}
	return string(nameBuf[:end]), true
}

func (sb *Superblock) clearFilename(id int) {
	data := sb.region.Bytes()
	off := sb.filenameEntryOffset(id)
	clear(data[off : off+filenameEntrySize])
}

func (sb *Superblock) clearFilemeta(id int) {
	data := sb.region.Bytes()
	off := sb.filemetaEntryOffset(id)
	clear(data[off : off+filemetaEntrySize])
}

// SetFileMeta writes the metadata record for id.
func (sb *Superblock) SetFileMeta(id int, m FileMeta) error {
	if id < 0 || id >= sb.layout.MaxFiles {
		return fmt.Errorf("superblock: file id %d out of range", id)
	}

	data := sb.region.Bytes()
	off := sb.filemetaEntryOffset(id)
	buf := data[off : off+filemetaEntrySize]

	binary.BigEndian.PutUint64(buf[0:8], m.GFID)
	binary.BigEndian.PutUint32(buf[8:12], m.Mode)
	buf[12] = boolByte(m.Laminated)
	binary.BigEndian.PutUint64(buf[13:21], m.GlobalSize)
	binary.BigEndian.PutUint64(buf[21:29], m.LogSize)
	buf[29] = byte(m.StorageKind)
	binary.BigEndian.PutUint32(buf[30:34], m.Chunks)
	buf[34] = boolByte(m.NeedsSync)
	// buf[35:39] is the process-shared spin-lock word, left untouched here.
	return nil
}

// FileMeta reads the metadata record for id.
func (sb *Superblock) FileMeta(id int) (FileMeta, error) {
	if id < 0 || id >= sb.layout.MaxFiles {
		return FileMeta{}, fmt.Errorf("superblock: file id %d out of range", id)
	}

	data := sb.region.Bytes()
	off := sb.filemetaEntryOffset(id)
	buf := data[off : off+filemetaEntrySize]

	return FileMeta{
		GFID:        binary.BigEndian.Uint64(buf[0:8]),
		Mode:        binary.BigEndian.Uint32(buf[8:12]),
		Laminated:   buf[12] != 0,
		GlobalSize:  binary.BigEndian.Uint64(buf[13:21]),
		LogSize:     binary.BigEndian.Uint64(buf[21:29]),
		StorageKind: StorageKind(buf[29]),
		Chunks:      binary.BigEndian.Uint32(buf[30:34]),
		NeedsSync:   buf[34] != 0,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
