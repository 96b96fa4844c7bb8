// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAppearInScrape(t *testing.T) {
	m := New("eth0-instance")
	m.IncProtocolError("igmp", "malformed")
	m.IncReportReceived("ALLOW")
	m.IncQuerySent("general")
	m.IncRouteInstalled()
	m.IncRouteRemoved()
	m.SetActiveGroups("eth1", 3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "mcproxyd_protocol_errors_total")
	require.Contains(t, body, "mcproxyd_reports_received_total")
	require.Contains(t, body, "mcproxyd_queries_sent_total")
	require.Contains(t, body, "mcproxyd_mfib_routes_installed_total")
	require.Contains(t, body, "mcproxyd_mfib_routes_removed_total")
	require.Contains(t, body, "mcproxyd_active_groups")
	require.Contains(t, body, `instance="eth0-instance"`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.IncProtocolError("igmp", "malformed")
		m.IncReportReceived("ALLOW")
		m.IncQuerySent("general")
		m.IncRouteInstalled()
		m.IncRouteRemoved()
		m.SetActiveGroups("eth1", 3)
	})
}
