package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	stalePayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fairhold",
		Subsystem: "reconciliation",
		Name:      "stale_payments",
		Help:      "Pending payments left unsettled after the last sweep.",
	})

	stuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fairhold",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Delivered transactions left unreleased after the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fairhold",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fairhold",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation sweep failures.",
	})
)

func init() {
	prometheus.MustRegister(stalePayments, stuckEscrows, sweepDuration, sweepErrors)
}
