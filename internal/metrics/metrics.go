package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the core's operational counters. All observe methods
// are nil-safe so wiring metrics stays optional in tests and tools.
type Metrics struct {
	bankEventsTotal      *prometheus.CounterVec
	transfersTotal       *prometheus.CounterVec
	onrampsInitiated     prometheus.Counter
	settlementsInitiated prometheus.Counter
	settlementPassTotal  *prometheus.CounterVec
	conflictRetriesTotal prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		bankEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "payment_core",
				Subsystem: "reconciliation",
				Name:      "bank_events_total",
				Help:      "Inbound bank events partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		transfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "payment_core",
				Subsystem: "p2p",
				Name:      "transfers_total",
				Help:      "P2P transfers partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		onrampsInitiated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "payment_core",
				Subsystem: "onramp",
				Name:      "initiated_total",
				Help:      "On-ramp transactions opened.",
			},
		),
		settlementsInitiated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "payment_core",
				Subsystem: "settlement",
				Name:      "initiated_total",
				Help:      "Settlement transactions scheduled by sweep passes.",
			},
		),
		settlementPassTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "payment_core",
				Subsystem: "settlement",
				Name:      "pass_total",
				Help:      "Settlement passes partitioned by result.",
			},
			[]string{"result"},
		),
		conflictRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "payment_core",
				Subsystem: "store",
				Name:      "conflict_retries_total",
				Help:      "Atomic units retried after a storage conflict.",
			},
		),
	}
}

func (m *Metrics) ObserveBankEvent(outcome string) {
	if m == nil {
		return
	}
	m.bankEventsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransfer(outcome string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveOnRampInitiated() {
	if m == nil {
		return
	}
	m.onrampsInitiated.Inc()
}

func (m *Metrics) ObserveSettlementInitiated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.settlementsInitiated.Add(float64(n))
}

func (m *Metrics) ObserveSettlementPass(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.settlementPassTotal.WithLabelValues("error").Inc()
		return
	}
	m.settlementPassTotal.WithLabelValues("success").Inc()
}

func (m *Metrics) ObserveConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetriesTotal.Inc()
}
