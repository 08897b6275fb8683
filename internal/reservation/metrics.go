package reservation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reserveCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablecore",
		Subsystem: "reservation",
		Name:      "reserves_total",
		Help:      "Phase-one reservations by outcome.",
	}, []string{"status"})

	commitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablecore",
		Subsystem: "reservation",
		Name:      "commits_total",
		Help:      "Phase-two commits by outcome.",
	}, []string{"status"})

	rollbackCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablecore",
		Subsystem: "reservation",
		Name:      "rollbacks_total",
		Help:      "Rollbacks by trigger.",
	}, []string{"trigger"})

	deadLetterCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tablecore",
		Subsystem: "reservation",
		Name:      "dead_letters_total",
		Help:      "Refund failures handed to the dead letter queue.",
	})
)
