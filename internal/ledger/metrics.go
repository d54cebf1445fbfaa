package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations       *prometheus.CounterVec
	OpenReservations prometheus.Gauge
	FeesCollected    *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Total ledger operations by outcome.",
			},
			[]string{"op", "status"},
		),
		OpenReservations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_open_reservations",
				Help: "Currently open collateral reservations.",
			},
		),
		FeesCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_fees_collected_total",
				Help: "Fees paid to the fee collector, by asset.",
			},
			[]string{"asset"},
		),
	}

	registry.MustRegister(m.Operations, m.OpenReservations, m.FeesCollected)
	return m
}

func (m *Metrics) observeOp(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(op, status).Inc()
}

func (m *Metrics) setOpenReservations(n int) {
	if m == nil {
		return
	}
	m.OpenReservations.Set(float64(n))
}

func (m *Metrics) addFee(asset string, fee float64) {
	if m == nil {
		return
	}
	m.FeesCollected.WithLabelValues(asset).Add(fee)
}
