package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks bridge activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	evaluations  *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	confirmation *prometheus.HistogramVec
	pending      prometheus.Gauge
	dials        *prometheus.CounterVec
	leases       *prometheus.GaugeVec
}

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "evaluations_total",
			Help:      "Chaincode evaluations segmented by contract, operation and outcome.",
		}, []string{"contract", "operation", "outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "submissions_total",
			Help:      "Submitted transactions segmented by contract, operation and final state.",
		}, []string{"contract", "operation", "state"}),
		confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "confirmation_seconds",
			Help:      "Time from submit to the confirming contract event.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"contract", "event"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "pending_transactions",
			Help:      "Transactions awaiting their confirming event.",
		}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "dials_total",
			Help:      "Contract handles established, segmented by contract and result.",
		}, []string{"contract", "result"}),
		leases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "leased_handles",
			Help:      "Contract handles currently leased to requests.",
		}, []string{"contract"}),
	}
	if reg != nil {
		reg.MustRegister(m.evaluations, m.submissions, m.confirmation, m.pending, m.dials, m.leases)
	}
	return m
}

func (m *Metrics) observeEvaluation(ref Ref, operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(Classify(err).Category)
	}
	m.evaluations.WithLabelValues(ref.String(), operation, outcome).Inc()
}

func (m *Metrics) observeSubmission(ref Ref, operation string, state TxState) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(ref.String(), operation, string(state)).Inc()
}

func (m *Metrics) observeConfirmation(ref Ref, event string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.confirmation.WithLabelValues(ref.String(), event).Observe(elapsed.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeDial(ref Ref, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dials.WithLabelValues(ref.String(), result).Inc()
}

func (m *Metrics) addLease(ref Ref, delta float64) {
	if m == nil {
		return
	}
	m.leases.WithLabelValues(ref.String()).Add(delta)
}
