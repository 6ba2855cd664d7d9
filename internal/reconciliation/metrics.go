package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "servicedesk",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of wallet/ledger mismatches found in the last reconciliation run.",
	})

	reconcileWalletsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "servicedesk",
		Subsystem: "reconciliation",
		Name:      "wallets_checked",
		Help:      "Number of wallets checked in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "servicedesk",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "servicedesk",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileWalletsChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
