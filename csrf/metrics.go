package csrf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by the middleware. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	validations *prometheus.CounterVec
	issued      *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csrf_validations_total",
				Help: "Total number of CSRF validations by outcome",
			},
			[]string{"outcome"},
		),
		issued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csrf_tokens_issued_total",
				Help: "Total number of CSRF tokens issued",
			},
			[]string{"reason"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csrf_store_errors_total",
				Help: "Total number of token store failures",
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) observeOutcome(o Outcome) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) observeIssued(reason string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
