// Package shm implements named shared-memory regions with
// creator-writes/attacher-reads semantics (§4.2). A region is backed by a
// regular file under /dev/shm so any process that knows its name can mmap
// it; a magic word at offset 0 distinguishes a freshly created region
// (zero-filled) from one a prior creator already initialized, and unlink
// is a separate operation from detach so a later process can still attach
// after the creator has gone away.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is where named regions live. Linux's tmpfs-backed /dev/shm gives
// every process on the node a shared view without an explicit mount.
// Overridable so tests don't depend on /dev/shm being writable.
var shmDir = "/dev/shm"

// Region is a fixed-size named shared-memory mapping.
type Region struct {
	name string
	file *os.File
	data []byte
}

// path returns the backing file path for a region name.
func path(name string) string {
	return filepath.Join(shmDir, name)
}

// Create makes a new named region of exactly size bytes, zero-filled, and
// maps it read-write. Size is fixed for the region's lifetime (§4.2).
func Create(name string, size int) (*Region, error) {
	f, err := os.OpenFile(path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %q: %w", name, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path(name))
		return nil, fmt.Errorf("shm: truncate %q: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path(name))
		return nil, fmt.Errorf("shm: mmap %q: %w", name, err)
	}

	return &Region{name: name, file: f, data: data}, nil
}

// Open attaches to an existing named region. The size is taken from the
// file's current length, so the creator must have already sized it.
func Open(name string) (*Region, error) {
	f, err := os.OpenFile(path(name), os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %q: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %q: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %q: %w", name, err)
	}

	return &Region{name: name, file: f, data: data}, nil
}

// CreateOrOpen creates the region if it doesn't exist, or opens it if a
// prior creator already made it. The returned bool reports whether this
// call created the region (true) or attached to an existing one (false) —
// callers use it to decide whether to run the CAS-on-magic initialization
// described in §4.3.
func CreateOrOpen(name string, size int) (*Region, bool, error) {
	r, err := Create(name, size)
	if err == nil {
		return r, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, err
	}
	r, err = Open(name)
	return r, false, err
}

// Bytes returns the region's mapped memory. Callers synchronize their own
// access; the region itself imposes no locking.
func (r *Region) Bytes() []byte {
	return r.data
}

// Name returns the region's name.
func (r *Region) Name() string {
	return r.name
}

// Sync flushes the region's dirty pages to its backing file.
func (r *Region) Sync() error {
	if r.data == nil {
		return nil
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

// Detach unmaps the region and closes the file descriptor without removing
// the backing file, so a later process can still Open it (§4.2).
func (r *Region) Detach() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("shm: munmap %q: %w", r.name, err)
		}
		r.data = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("shm: close %q: %w", r.name, err)
		}
		r.file = nil
	}
	return nil
}

// SetDirForTest overrides the directory backing named regions. Tests in
// other packages that build on top of shm (superblock, fmap) use this to
// avoid depending on /dev/shm being writable in CI.
func SetDirForTest(dir string) {
	shmDir = dir
}

// Unlink removes the backing file. It does not detach; callers that also
// hold the region open should Detach first or accept that their mapping
// remains valid until they unmap it (standard unlink-while-open semantics).
func Unlink(name string) error {
	if err := os.Remove(path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: unlink %q: %w", name, err)
	}
	return nil
}
