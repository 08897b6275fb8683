package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeHealthy  = "healthy"
	outcomeRepaired = "repaired"
	outcomeDeleted  = "deleted"
	outcomeFailed   = "failed"
)

var sweepCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tablecore_recovery_sessions_total",
	Help: "Sessions examined during startup recovery, by outcome.",
}, []string{"outcome"})
