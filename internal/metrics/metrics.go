// Package metrics defines the Prometheus collectors of the settlement path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector; all are registered on the registerer given
// to New so tests can use a private registry.
type Metrics struct {
	// --- Settlement ---
	SettlementOutcomes  *prometheus.CounterVec
	SettlementDuration  *prometheus.HistogramVec
	DuplicateDeliveries prometheus.Counter
	InfraFaults         *prometheus.CounterVec

	// --- Submission / relay ---
	PublishResults *prometheus.CounterVec
	OutboxRelayed  *prometheus.CounterVec

	// --- Monitor ---
	OldestUnconfirmedAge prometheus.Gauge
	StuckTransactions    prometheus.Gauge
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SettlementOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_settlement_outcomes_total",
			Help: "Transactions moved to a terminal state",
		}, []string{"currency", "state", "reason"}),

		SettlementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_settlement_duration_seconds",
			Help:    "Time from delivery to commit of one settlement",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"currency"}),

		DuplicateDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_settlement_duplicates_total",
			Help: "Deliveries of already settled transactions, acknowledged without effect",
		}),

		InfraFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_settlement_infra_faults_total",
			Help: "Settlement attempts abandoned for redelivery",
		}, []string{"stage"}),

		PublishResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_intent_publish_total",
			Help: "Transfer intent publish attempts by origin and result",
		}, []string{"origin", "result"}),

		OutboxRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_outbox_relayed_total",
			Help: "Outbox events handled by the relay",
		}, []string{"result"}),

		OldestUnconfirmedAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_oldest_unconfirmed_age_seconds",
			Help: "Age of the oldest Unconfirmed transaction, 0 when none",
		}),

		StuckTransactions: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_stuck_transactions",
			Help: "Unconfirmed transactions older than the stuck threshold",
		}),
	}
}

// NewNop registers on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
