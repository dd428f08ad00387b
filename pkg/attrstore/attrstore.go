// Package attrstore provides the key-value backend for per-gfid file
// attributes (§1's "low-level key-value backend for file attributes",
// consumed here as an external collaborator via the interfaces in §6
// rather than hand-rolled). It mirrors the server-side filetab entry and
// MDS entry's size/stat fields so a lookup by gfid doesn't require
// reopening the backing file.
package attrstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a gfid.
var ErrNotFound = errors.New("attrstore: not found")

// Attr is the stored attribute record for one file.
type Attr struct {
	GFID       uint64
	Size       uint64
	Mode       uint32
	Laminated  bool
	MtimeNanos int64
}

// Store persists and retrieves Attr records by gfid.
type Store interface {
	Get(ctx context.Context, gfid uint64) (Attr, error)
	Set(ctx context.Context, attr Attr) error
	Delete(ctx context.Context, gfid uint64) error
	Close() error
}

// Stamp fills MtimeNanos with the current time, the way callers record a
// record's last update without threading a clock through every call site.
func Stamp(a Attr) Attr {
	a.MtimeNanos = time.Now().UnixNano()
	return a
}
