package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	Operations      *prometheus.CounterVec
	OpenInstruments prometheus.Gauge
	CreditedInUse   *prometheus.GaugeVec
	Liquidations    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by type and outcome.",
		}, []string{"operation", "status"}),
		OpenInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "creditcore",
			Subsystem: "engine",
			Name:      "open_instruments",
			Help:      "Number of live instruments.",
		}),
		CreditedInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "creditcore",
			Subsystem: "engine",
			Name:      "credited_in_use",
			Help:      "Credited-asset amount backing live instruments.",
		}, []string{"asset"}),
		Liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "engine",
			Name:      "liquidations_total",
			Help:      "Liquidations by outcome.",
		}, []string{"outcome"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditcore",
			Subsystem: "engine",
			Name:      "events_published_total",
			Help:      "Lifecycle events by type and publish status.",
		}, []string{"event_type", "status"}),
	}
	registry.MustRegister(m.Operations, m.OpenInstruments, m.CreditedInUse, m.Liquidations, m.EventsPublished)
	return m
}

func (m *Metrics) observeOp(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(op, status).Inc()
}

func (m *Metrics) setOpenInstruments(n int) {
	if m == nil {
		return
	}
	m.OpenInstruments.Set(float64(n))
}

func (m *Metrics) setCreditedInUse(asset string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	f, _ := amount.Float64()
	m.CreditedInUse.WithLabelValues(asset).Set(f)
}

func (m *Metrics) observeLiquidation(outcome string) {
	if m == nil {
		return
	}
	m.Liquidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observePublish(eventType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}
