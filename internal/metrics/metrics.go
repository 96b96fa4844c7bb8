// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the per-instance counters spec.md §7 calls for
// ("increment a counter" on protocol errors) plus the querier/routing
// activity an operator needs to see a proxy instance is doing something,
// over a github.com/prometheus/client_golang registry. Grounded in the
// teacher's Collector/Registry split (internal/metrics in
// _examples/grimm-is-flywall), reworked from hand-rolled interface/policy
// counters to the multicast-proxy domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is one proxy instance's counter set. The zero value is not
// valid; use New. A nil *Metrics is safe to call every method on (each
// checks for nil) so components can carry an optional Metrics field
// without every call site needing a guard.
type Metrics struct {
	registry *prometheus.Registry

	ProtocolErrors  *prometheus.CounterVec
	ReportsReceived *prometheus.CounterVec
	QueriesSent     *prometheus.CounterVec
	RoutesInstalled prometheus.Counter
	RoutesRemoved   prometheus.Counter
	ActiveGroups    *prometheus.GaugeVec
}

// New creates a Metrics with its own registry, labeled by instance so one
// process running several pinstance definitions (spec §5) doesn't collide
// counters across them.
func New(instance string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"instance": instance}

	m := &Metrics{
		registry: reg,
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mcproxyd",
			Name:        "protocol_errors_total",
			Help:        "Malformed or unrecognized IGMP/MLD packets dropped, by family.",
			ConstLabels: constLabels,
		}, []string{"family", "reason"}),
		ReportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mcproxyd",
			Name:        "reports_received_total",
			Help:        "Membership reports processed by the querier, by record type.",
			ConstLabels: constLabels,
		}, []string{"record_type"}),
		QueriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mcproxyd",
			Name:        "queries_sent_total",
			Help:        "Queries transmitted by the querier, by query kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		RoutesInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mcproxyd",
			Name:        "mfib_routes_installed_total",
			Help:        "MFIB entries added by the routing manager.",
			ConstLabels: constLabels,
		}),
		RoutesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mcproxyd",
			Name:        "mfib_routes_removed_total",
			Help:        "MFIB entries removed by the routing manager.",
			ConstLabels: constLabels,
		}),
		ActiveGroups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "mcproxyd",
			Name:        "active_groups",
			Help:        "Groups currently present in a downstream's membership database.",
			ConstLabels: constLabels,
		}, []string{"interface"}),
	}

	reg.MustRegister(m.ProtocolErrors, m.ReportsReceived, m.QueriesSent, m.RoutesInstalled, m.RoutesRemoved, m.ActiveGroups)
	return m
}

// Handler returns an http.Handler serving this instance's registry in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncProtocolError is a nil-safe counter bump for a dropped packet (spec
// §7's "drop the packet, increment a counter, continue").
func (m *Metrics) IncProtocolError(family, reason string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(family, reason).Inc()
}

// IncReportReceived is a nil-safe counter bump for one processed record.
func (m *Metrics) IncReportReceived(recordType string) {
	if m == nil {
		return
	}
	m.ReportsReceived.WithLabelValues(recordType).Inc()
}

// IncQuerySent is a nil-safe counter bump for one transmitted query.
func (m *Metrics) IncQuerySent(kind string) {
	if m == nil {
		return
	}
	m.QueriesSent.WithLabelValues(kind).Inc()
}

// IncRouteInstalled is a nil-safe counter bump for one MFIB add.
func (m *Metrics) IncRouteInstalled() {
	if m == nil {
		return
	}
	m.RoutesInstalled.Inc()
}

// IncRouteRemoved is a nil-safe counter bump for one MFIB delete.
func (m *Metrics) IncRouteRemoved() {
	if m == nil {
		return
	}
	m.RoutesRemoved.Inc()
}

// SetActiveGroups is a nil-safe gauge set for one downstream interface's
// current group count.
func (m *Metrics) SetActiveGroups(iface string, n int) {
	if m == nil {
		return
	}
	m.ActiveGroups.WithLabelValues(iface).Set(float64(n))
}
