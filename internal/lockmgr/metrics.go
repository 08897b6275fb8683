package lockmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquisitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablecore",
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Lock acquisition attempts by outcome.",
	}, []string{"result"})

	holdDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tablecore",
		Subsystem: "lock",
		Name:      "hold_seconds",
		Help:      "Observed lock hold durations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tablecore",
		Subsystem: "lock",
		Name:      "queue_depth",
		Help:      "Current waiters per lock key.",
	}, []string{"key"})
)

const (
	resultAcquired           = "acquired"
	resultTimeout            = "timeout"
	resultBusy               = "busy"
	resultHierarchyViolation = "hierarchy_violation"
)
