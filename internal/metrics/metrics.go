package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blindbit_indexer"

var (
	sourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "operations_total",
		Help:      "Count of block source operations.",
	}, []string{"operation", "status"})
	sourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "operation_duration_seconds",
		Help:      "Duration of block source operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "status"})

	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "blocks_total",
		Help:      "Count of blocks committed per track and direction.",
	}, []string{"track", "direction"})
	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "commit_duration_seconds",
		Help:      "Duration of batch commits per track.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"track", "status"})
	tipHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "tip_height",
		Help:      "Committed tip height per service.",
	}, []string{"service"})

	reorgsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reorg",
		Name:      "total",
		Help:      "Count of resolved chain reorganisations.",
	})
	reorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reorg",
		Name:      "depth_blocks",
		Help:      "Number of blocks removed per reorganisation.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 7),
	})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveSource records a block source call.
func ObserveSource(operation string, err error, started time.Time) {
	s := status(err)
	sourceRequestsTotal.WithLabelValues(operation, s).Inc()
	sourceRequestDuration.WithLabelValues(operation, s).Observe(time.Since(started).Seconds())
}

// ObserveCommit records one batch commit of a track.
func ObserveCommit(track string, err error, started time.Time) {
	commitDuration.WithLabelValues(track, status(err)).Observe(time.Since(started).Seconds())
}

func BlocksConnected(track string, n int) {
	blocksTotal.WithLabelValues(track, "connect").Add(float64(n))
}

func BlocksDisconnected(track string, n int) {
	blocksTotal.WithLabelValues(track, "disconnect").Add(float64(n))
}

func SetTip(service string, height uint32) {
	tipHeight.WithLabelValues(service).Set(float64(height))
}

func ObserveReorg(depth int) {
	reorgsTotal.Inc()
	reorgDepth.Observe(float64(depth))
}
