// Package metrics exposes sheepd's internal gauges and histograms through
// github.com/prometheus/client_golang, the teacher's own metrics dependency
// (aistore's go.mod lists prometheus/client_golang; its own stats package
// registers comparable collectors for request latency and queue depth).
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sheepd",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of pending work items per named queue.",
	}, []string{"queue"})

	QueueItemLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sheepd",
		Subsystem: "queue",
		Name:      "item_duration_seconds",
		Help:      "Time a work item spends executing on a worker.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})

	GatewayFanoutLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sheepd",
		Subsystem: "gateway",
		Name:      "fanout_duration_seconds",
		Help:      "Time a gateway read or write takes across its replica owners, by op.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	RecoveryObjectsRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sheepd",
		Subsystem: "recovery",
		Name:      "objects_remaining",
		Help:      "Objects still needing push/pull/sweep in the current recovery pass.",
	})

	DiskUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sheepd",
		Subsystem: "store",
		Name:      "disk_used_bytes",
		Help:      "Bytes used on the object store's backing filesystem.",
	})

	DriveReadBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheepd",
		Subsystem: "store",
		Name:      "drive_read_bytes_total",
		Help:      "Cumulative bytes read per backing drive, sampled via lufia/iostat.",
	}, []string{"drive"})

	DriveWriteBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sheepd",
		Subsystem: "store",
		Name:      "drive_write_bytes_total",
		Help:      "Cumulative bytes written per backing drive, sampled via lufia/iostat.",
	}, []string{"drive"})

	ClusterEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sheepd",
		Subsystem: "cluster",
		Name:      "epoch",
		Help:      "This node's current in-memory epoch.",
	})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		QueueItemLatency,
		GatewayFanoutLatency,
		RecoveryObjectsRemaining,
		DiskUsedBytes,
		DriveReadBytes,
		DriveWriteBytes,
		ClusterEpoch,
	)
}

// SetDiskUsed records the backing filesystem's used-byte count, sampled by
// store.capacitySampler.
func SetDiskUsed(n uint64) { DiskUsedBytes.Set(float64(n)) }

var (
	lastMu    sync.Mutex
	lastRead  = map[string]uint64{}
	lastWrite = map[string]uint64{}
)

// RecordDriveStats advances a drive's cumulative counters by the delta since
// the previous sample. lufia/iostat reports absolute values read from
// /proc/diskstats, but Prometheus counters may only move forward by
// non-negative increments, so the sampler's previous reading is tracked
// here rather than in the store package.
func RecordDriveStats(drive string, readBytes, writeBytes uint64) {
	lastMu.Lock()
	defer lastMu.Unlock()

	if prev, ok := lastRead[drive]; ok && readBytes > prev {
		DriveReadBytes.WithLabelValues(drive).Add(float64(readBytes - prev))
	}
	if prev, ok := lastWrite[drive]; ok && writeBytes > prev {
		DriveWriteBytes.WithLabelValues(drive).Add(float64(writeBytes - prev))
	}
	lastRead[drive] = readBytes
	lastWrite[drive] = writeBytes
}
