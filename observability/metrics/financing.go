package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FinancingMetrics tracks ledger operations and pool gauges.
type FinancingMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	pool       *prometheus.GaugeVec
}

// NewFinancing registers the financing collectors on reg.
func NewFinancing(reg prometheus.Registerer) *FinancingMetrics {
	m := &FinancingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoicefi",
			Subsystem: "financing",
			Name:      "operations_total",
			Help:      "Ledger operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "invoicefi",
			Subsystem: "financing",
			Name:      "operation_duration_seconds",
			Help:      "Latency of ledger operations including outbound transfers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		pool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "invoicefi",
			Subsystem: "financing",
			Name:      "pool_amount",
			Help:      "Pool aggregates after the last committed operation.",
		}, []string{"field"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.pool)
	}
	return m
}

// ObserveOperation records one operation outcome.
func (m *FinancingMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObservePool publishes the pool aggregates. Values beyond float64 precision
// are approximated.
func (m *FinancingMetrics) ObservePool(total, available, financed, interestEarned *big.Int) {
	if m == nil {
		return
	}
	m.pool.WithLabelValues("total").Set(toFloat(total))
	m.pool.WithLabelValues("available").Set(toFloat(available))
	m.pool.WithLabelValues("financed").Set(toFloat(financed))
	m.pool.WithLabelValues("interest_earned").Set(toFloat(interestEarned))
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
