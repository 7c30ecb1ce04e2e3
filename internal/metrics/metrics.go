package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_poll_cycles_total",
			Help: "Total number of completed poll cycles",
		},
	)

	dueTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskpilot_due_tasks",
			Help: "Number of due tasks found by the most recent poll cycle",
		},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_dispatch_total",
			Help: "Total number of execution attempts",
		},
		[]string{"result"},
	)

	executionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskpilot_execution_duration_seconds",
			Help:    "Executor attempt latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	claimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_claim_conflicts_total",
			Help: "Total number of claims lost to a concurrent claimer",
		},
	)

	tasksExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpilot_tasks_expired_total",
			Help: "Total number of one-shot tasks expired for missing their window",
		},
	)

	retentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpilot_retention_deleted_total",
			Help: "Total number of rows removed by retention sweeps",
		},
		[]string{"kind"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordPollCycle(due int) {
	pollCyclesTotal.Inc()
	dueTasks.Set(float64(due))
}

func RecordDispatch(success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	dispatchTotal.WithLabelValues(result).Inc()
	executionDuration.Observe(duration.Seconds())
}

func RecordClaimConflict() {
	claimConflictsTotal.Inc()
}

func RecordExpired() {
	tasksExpiredTotal.Inc()
}

func RecordRetention(kind string, deleted int64) {
	if deleted > 0 {
		retentionDeletedTotal.WithLabelValues(kind).Add(float64(deleted))
	}
}
