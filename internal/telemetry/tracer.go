package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for unifyfs spans, following OpenTelemetry semantic
// convention style (dotted, component-prefixed).
const (
	AttrRank      = "unifyfs.rank"
	AttrTargetSvr = "unifyfs.target_svr"
	AttrOpcode    = "unifyfs.opcode"
	AttrGfid      = "unifyfs.gfid"
	AttrPath      = "unifyfs.path"
	AttrOffset    = "unifyfs.offset"
	AttrCount     = "unifyfs.count"
	AttrSize      = "unifyfs.size"
	AttrExtents   = "unifyfs.extent_count"
	AttrAttempt   = "unifyfs.attempt"
	AttrShmName   = "unifyfs.shm_name"
	AttrStoreType = "unifyfs.store_type" // attrstore backend: memory, badger
)

// Span names, one per RPC opcode (spec §4.1/§6) plus mount-path and
// transfer operations.
const (
	SpanRPCRequest = "rpc.request"

	SpanMDSCreate  = "mds.create"
	SpanMDSSearch  = "mds.search"
	SpanMDSFsync   = "mds.fsync"
	SpanMDSFilelen = "mds.filelen"
	SpanMDSAddfmap = "mds.addfmap"
	SpanMDSGetfmap = "mds.getfmap"
	SpanMDSStat    = "mds.stat"

	SpanLSMMount = "lsm.mount"
	SpanLSMOpen  = "lsm.open"
	SpanLSMClose = "lsm.close"
	SpanLSMStat  = "lsm.stat"

	SpanClientMount   = "client.mount"
	SpanClientUnmount = "client.unmount"
	SpanClientAttach  = "client.attach"

	SpanWriteAppend = "writepath.append"
	SpanWriteSync   = "writepath.sync"

	SpanHarvestScan = "harvest.scan"

	SpanTransferSerial   = "transfer.serial"
	SpanTransferParallel = "transfer.parallel"
)

func Rank(r int) attribute.KeyValue         { return attribute.Int(AttrRank, r) }
func TargetSvr(r int) attribute.KeyValue    { return attribute.Int(AttrTargetSvr, r) }
func Opcode(name string) attribute.KeyValue { return attribute.String(AttrOpcode, name) }
func Gfid(g uint64) attribute.KeyValue      { return attribute.Int64(AttrGfid, int64(g)) }
func Path(p string) attribute.KeyValue      { return attribute.String(AttrPath, p) }
func Offset(off uint64) attribute.KeyValue  { return attribute.Int64(AttrOffset, int64(off)) }
func Count(c int) attribute.KeyValue        { return attribute.Int(AttrCount, c) }
func Size(s uint64) attribute.KeyValue      { return attribute.Int64(AttrSize, int64(s)) }
func ExtentCount(n int) attribute.KeyValue  { return attribute.Int(AttrExtents, n) }
func Attempt(n int) attribute.KeyValue      { return attribute.Int(AttrAttempt, n) }
func ShmName(name string) attribute.KeyValue {
	return attribute.String(AttrShmName, name)
}
func StoreType(t string) attribute.KeyValue { return attribute.String(AttrStoreType, t) }

// GfidHex returns a hex-formatted attribute, used when a gfid is carried as
// raw bytes over the wire rather than as a decoded uint64.
func GfidHex(b []byte) attribute.KeyValue {
	return attribute.String(AttrGfid, fmt.Sprintf("%x", b))
}

// StartRPCSpan starts a span for an RPC call identified by opcode, tagging
// the requesting rank and (if already known) the server it was routed to.
func StartRPCSpan(ctx context.Context, opcode string, rank int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Opcode(opcode), Rank(rank)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "rpc."+opcode, trace.WithAttributes(allAttrs...))
}

// StartMDSSpan starts a span for an MDS shard operation.
func StartMDSSpan(ctx context.Context, op string, gfid uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Gfid(gfid)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "mds."+op, trace.WithAttributes(allAttrs...))
}

// StartLSMSpan starts a span for a local storage manager operation.
func StartLSMSpan(ctx context.Context, op string, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Path(path)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "lsm."+op, trace.WithAttributes(allAttrs...))
}

// StartTransferSpan starts a span for a bulk-transfer stage operation.
func StartTransferSpan(ctx context.Context, mode string, size uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Size(size)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "transfer."+mode, trace.WithAttributes(allAttrs...))
}
