package inventory

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for ledger activity. A nil *Metrics
// records nothing.
type Metrics struct {
	transactions *prometheus.CounterVec
	splits       *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	alerts       *prometheus.CounterVec
}

// NewMetrics registers the inventory collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_inventory_transactions_total",
			Help: "Committed inventory transactions by type.",
		}, []string{"type"}),
		splits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_inventory_splits_total",
			Help: "Committed splits by record kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_inventory_rejections_total",
			Help: "Failed inventory operations by operation and error class.",
		}, []string{"op", "class"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_inventory_alerts_raised_total",
			Help: "Stock alerts raised by type.",
		}, []string{"type"}),
	}
	registerer.MustRegister(m.transactions, m.splits, m.rejections, m.alerts)
	return m
}

func (m *Metrics) transaction(t TransactionType) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) split(kind string) {
	if m == nil {
		return
	}
	m.splits.WithLabelValues(kind).Inc()
}

func (m *Metrics) alert(t AlertType) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) rejected(op string, err error) {
	if m == nil || err == nil {
		return
	}
	m.rejections.WithLabelValues(op, errorClass(err)).Inc()
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapability):
		return "capability"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrConservationViolated):
		return "conservation"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "other"
	}
}
