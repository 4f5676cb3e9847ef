// Package metrics exposes prometheus collectors for the relay pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	relays            *prometheus.CounterVec
	verifications     *prometheus.CounterVec
	connectorRestarts *prometheus.CounterVec
	intakeDropped     *prometheus.CounterVec
}

// New registers collectors with reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		relays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "records_total",
			Help:      "Relay records written, by outcome.",
		}, []string{"outcome"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "verifications_total",
			Help:      "Verification attempts, by result.",
		}, []string{"result"}),
		connectorRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connector_restarts_total",
			Help:      "Connector listener restarts, by platform.",
		}, []string{"platform"}),
		intakeDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "intake_dropped_total",
			Help:      "Raw events dropped before normalization, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) ObserveRelay(outcome string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectorRestarted(platform string) {
	if m == nil {
		return
	}
	m.connectorRestarts.WithLabelValues(platform).Inc()
}

func (m *Metrics) IntakeDropped(reason string) {
	if m == nil {
		return
	}
	m.intakeDropped.WithLabelValues(reason).Inc()
}
