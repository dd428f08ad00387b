package rpc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BulkBuffer is the caller-side buffer a bulk handle exposes to its peer:
// read-only (peer pulls) or read-write (peer may also push). Client and
// Server do not use this registry: call payloads of any size up to
// internal/wire's 16MiB opaque cap travel inline in the call frame.
type BulkBuffer interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// BulkRegistry tracks buffers a connection has registered for its peer to
// pull from or push into. A handle is just a registry-local uint64; it
// must outlive any transfer issued against it and is explicitly released
// by the registering side (§4.1's "handle destruction releases both
// sides' resources").
type BulkRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	buffers map[uint64]BulkBuffer
}

// NewBulkRegistry returns an empty registry.
func NewBulkRegistry() *BulkRegistry {
	return &BulkRegistry{buffers: make(map[uint64]BulkBuffer)}
}

// Register makes buf available to the peer under a new handle.
func (r *BulkRegistry) Register(buf BulkBuffer) uint64 {
	id := atomic.AddUint64(&r.nextID, 1)
	r.mu.Lock()
	r.buffers[id] = buf
	r.mu.Unlock()
	return id
}

// Release destroys a handle. Any in-flight pull/push against it will fail
// once this returns.
func (r *BulkRegistry) Release(handle uint64) {
	r.mu.Lock()
	delete(r.buffers, handle)
	r.mu.Unlock()
}

// Pull reads length bytes at offset from the buffer registered under
// handle, the local side of a peer-issued pull.
func (r *BulkRegistry) Pull(handle uint64, offset int64, length int) ([]byte, error) {
	buf, err := r.lookup(handle)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	n, err := buf.ReadAt(out, offset)
	if err != nil {
		return nil, fmt.Errorf("rpc: bulk pull handle %d: %w", handle, err)
	}
	return out[:n], nil
}

// Push writes data at offset into the buffer registered under handle, the
// local side of a peer-issued push.
func (r *BulkRegistry) Push(handle uint64, offset int64, data []byte) error {
	buf, err := r.lookup(handle)
	if err != nil {
		return err
	}
	if _, err := buf.WriteAt(data, offset); err != nil {
		return fmt.Errorf("rpc: bulk push handle %d: %w", handle, err)
	}
	return nil
}

func (r *BulkRegistry) lookup(handle uint64) (BulkBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[handle]
	if !ok {
		return nil, fmt.Errorf("rpc: unknown or released bulk handle %d", handle)
	}
	return buf, nil
}
