package writepath

import (
	"fmt"
	"os"
	"sync"
)

// Log is the rank-local append-only backing store every write lands in
// (FILE_STORAGE_LOGIO). Every Append claims a new, monotonically
// increasing physical offset, shared across every file this rank hosts
// — the same log file backs every gfid's write-index entries, which is
// why each superblock.IndexEntry carries both a logical offset (into its
// own file) and a physical offset (into this shared log).
type Log struct {
	mu   sync.Mutex
	f    *os.File
	next uint64
}

// OpenLog opens or creates the log file at path, resuming the physical
// offset counter from its current length if it already has data.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("writepath: open log %s: %w", path, err)
	}
	sb, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("writepath: stat log %s: %w", path, err)
	}
	return &Log{f: f, next: uint64(sb.Size())}, nil
}

// Append writes data at the log's current end and returns the physical
// offset it was written at.
func (l *Log) Append(data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	off := l.next
	if _, err := l.f.WriteAt(data, int64(off)); err != nil {
		return 0, fmt.Errorf("writepath: append log: %w", err)
	}
	l.next += uint64(len(data))
	return off, nil
}

// ReadAt reads length bytes at the log's physical offset off, the read
// side of a later local-extent-satisfied read.
func (l *Log) ReadAt(off uint64, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := l.f.ReadAt(buf, int64(off))
	if err != nil {
		return nil, fmt.Errorf("writepath: read log at %d: %w", off, err)
	}
	return buf[:n], nil
}

// Close releases the log file.
func (l *Log) Close() error {
	return l.f.Close()
}
