// Package prometheus implements the unifyfs metrics interfaces declared in
// pkg/metrics using client_golang collectors.
package prometheus

import (
	"time"

	"github.com/marmos91/unifyfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterRPCMetricsConstructor(NewRPCMetrics)
	metrics.RegisterMDSMetricsConstructor(NewMDSMetrics)
	metrics.RegisterTransferMetricsConstructor(NewTransferMetrics)
}

type rpcMetrics struct {
	calls    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRPCMetrics creates a Prometheus-backed metrics.RPCMetrics instance.
func NewRPCMetrics() metrics.RPCMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &rpcMetrics{
		calls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "unifyfs_rpc_calls_total",
				Help: "Total number of RPC calls by opcode",
			},
			[]string{"opcode"},
		),
		errors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "unifyfs_rpc_errors_total",
				Help: "Total number of RPC calls that returned an error, by opcode",
			},
			[]string{"opcode"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "unifyfs_rpc_duration_milliseconds",
				Help: "RPC call latency in milliseconds by opcode",
				Buckets: []float64{
					0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000,
				},
			},
			[]string{"opcode"},
		),
	}
}

func (m *rpcMetrics) ObserveCall(opcode string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(opcode).Inc()
	m.duration.WithLabelValues(opcode).Observe(float64(duration.Microseconds()) / 1000)
	if err != nil {
		m.errors.WithLabelValues(opcode).Inc()
	}
}

type mdsMetrics struct {
	tableSize  prometheus.Gauge
	fmapMerges prometheus.Counter
	mergedExts prometheus.Histogram
}

// NewMDSMetrics creates a Prometheus-backed metrics.MDSMetrics instance.
func NewMDSMetrics() metrics.MDSMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &mdsMetrics{
		tableSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "unifyfs_mds_table_entries",
				Help: "Current number of gfid entries held by this shard",
			},
		),
		fmapMerges: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "unifyfs_mds_fmap_merges_total",
				Help: "Total number of addfmap merge operations",
			},
		),
		mergedExts: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "unifyfs_mds_fmap_merged_extents",
				Help:    "Distribution of extent counts merged per addfmap call",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),
	}
}

func (m *mdsMetrics) RecordTableSize(count int) {
	if m == nil {
		return
	}
	m.tableSize.Set(float64(count))
}

func (m *mdsMetrics) RecordFmapMerge(mergedExtents int) {
	if m == nil {
		return
	}
	m.fmapMerges.Inc()
	m.mergedExts.Observe(float64(mergedExtents))
}

type transferMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.HistogramVec
}

// NewTransferMetrics creates a Prometheus-backed metrics.TransferMetrics
// instance.
func NewTransferMetrics() metrics.TransferMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &transferMetrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "unifyfs_transfer_operations_total",
				Help: "Total number of bulk-transfer stage operations by mode",
			},
			[]string{"mode"}, // "serial", "parallel"
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unifyfs_transfer_duration_milliseconds",
				Help:    "Bulk-transfer stage duration in milliseconds by mode",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"mode"},
		),
		bytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "unifyfs_transfer_bytes",
				Help: "Distribution of bytes moved per bulk-transfer stage call",
				Buckets: []float64{
					4096, 65536, 1048576, 16777216, 134217728,
				},
			},
			[]string{"mode"},
		),
	}
}

func (m *transferMetrics) ObserveTransfer(mode string, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(mode).Inc()
	m.duration.WithLabelValues(mode).Observe(float64(duration.Microseconds()) / 1000)
	if bytes > 0 {
		m.bytes.WithLabelValues(mode).Observe(float64(bytes))
	}
}
