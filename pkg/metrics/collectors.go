package metrics

import "time"

// RPCMetrics records call-level latency and outcome for the opcode
// transport between client and co-located server (§4.1).
type RPCMetrics interface {
	ObserveCall(opcode string, duration time.Duration, err error)
}

// MDSMetrics records shard table occupancy and fmap merge activity for a
// single metadata server rank (§4.7).
type MDSMetrics interface {
	RecordTableSize(count int)
	RecordFmapMerge(mergedExtents int)
}

// TransferMetrics records bulk chunk-transfer throughput for the serial and
// parallel staging paths (§4.10).
type TransferMetrics interface {
	ObserveTransfer(mode string, bytes int64, duration time.Duration)
}

// NewRPCMetrics creates a Prometheus-backed RPCMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called), so
// callers can pass nil through to zero-overhead call sites.
func NewRPCMetrics() RPCMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusRPCMetrics()
}

// NewMDSMetrics creates a Prometheus-backed MDSMetrics instance.
func NewMDSMetrics() MDSMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusMDSMetrics()
}

// NewTransferMetrics creates a Prometheus-backed TransferMetrics instance.
func NewTransferMetrics() TransferMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusTransferMetrics()
}

// The constructors below are registered by pkg/metrics/prometheus during
// package initialization; the indirection keeps this package free of a
// dependency on client_golang's concrete collector types.
var (
	newPrometheusRPCMetrics      func() RPCMetrics
	newPrometheusMDSMetrics      func() MDSMetrics
	newPrometheusTransferMetrics func() TransferMetrics
)

func RegisterRPCMetricsConstructor(constructor func() RPCMetrics) {
	newPrometheusRPCMetrics = constructor
}

func RegisterMDSMetricsConstructor(constructor func() MDSMetrics) {
	newPrometheusMDSMetrics = constructor
}

func RegisterTransferMetricsConstructor(constructor func() TransferMetrics) {
	newPrometheusTransferMetrics = constructor
}
