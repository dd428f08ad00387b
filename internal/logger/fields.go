package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging across the client intercept
// layer, the RPC transport, and the MDS/LSM server components.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// RPC / transport
	KeyOpcode    = "opcode"     // RPC opcode name: create, addfmap, getfmap, stat, ...
	KeyRank      = "rank"       // requesting client rank
	KeyTargetSvr = "target_svr" // server rank a request was routed to
	KeyAttempt   = "attempt"    // retry attempt number
	KeyDuration  = "duration_ms"

	// File identity
	KeyGfid     = "gfid"     // global file id (shard key)
	KeyPath     = "path"     // logical pathname
	KeyRealPath = "realpath" // backing-store path
	KeySize     = "size"
	KeyOffset   = "offset"
	KeyCount    = "count"

	// fmap / extents
	KeyExtentCount = "extent_count"
	KeyMergedFrom  = "merged_from" // rank contributing extents being merged in

	// Shared memory / superblock
	KeyShmName = "shm_name"
	KeyShmSize = "shm_size"

	// Errors
	KeyError     = "error"
	KeyErrorKind = "error_kind" // spec §7 POSIX-style error kind

	// Bulk transfer
	KeySource      = "source"
	KeyBytesMoved  = "bytes_moved"
	KeyParallelism = "parallelism"
)

func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }
func SpanID(id string) slog.Attr  { return slog.String(KeySpanID, id) }

func Opcode(name string) slog.Attr    { return slog.String(KeyOpcode, name) }
func Rank(r int) slog.Attr            { return slog.Int(KeyRank, r) }
func TargetSvr(r int) slog.Attr       { return slog.Int(KeyTargetSvr, r) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDuration, ms) }

func Gfid(g uint64) slog.Attr     { return slog.Uint64(KeyGfid, g) }
func Path(p string) slog.Attr     { return slog.String(KeyPath, p) }
func RealPath(p string) slog.Attr { return slog.String(KeyRealPath, p) }
func Size(s uint64) slog.Attr     { return slog.Uint64(KeySize, s) }
func Offset(off uint64) slog.Attr { return slog.Uint64(KeyOffset, off) }
func Count(c int) slog.Attr       { return slog.Int(KeyCount, c) }

func ExtentCount(n int) slog.Attr { return slog.Int(KeyExtentCount, n) }
func MergedFrom(rank int) slog.Attr { return slog.Int(KeyMergedFrom, rank) }

func ShmName(name string) slog.Attr { return slog.String(KeyShmName, name) }
func ShmSize(n uint64) slog.Attr    { return slog.Uint64(KeyShmSize, n) }

// Err returns a slog.Attr for an error, or a zero Attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func ErrorKind(kind string) slog.Attr { return slog.String(KeyErrorKind, kind) }

func Source(src string) slog.Attr       { return slog.String(KeySource, src) }
func BytesMoved(n int64) slog.Attr      { return slog.Int64(KeyBytesMoved, n) }
func Parallelism(n int) slog.Attr       { return slog.Int(KeyParallelism, n) }

// Handle formats an opaque id as hex, kept for binary identifiers that
// don't have a dedicated constructor above.
func Handle(h []byte) slog.Attr {
	return slog.String("handle", fmt.Sprintf("%x", h))
}
