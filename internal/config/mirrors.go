package config

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sphinx-search/searchd-core/internal/dashboard"
)

// DashboardRegistry is the canonical owner of host identity: every
// mirror across every group that shares the same host key shares one
// Dashboard, breaking the dashboard-host-group ownership cycle described
// for the Host Dashboard component (a descriptor never owns its
// dashboard, it only looks one up by key).
type DashboardRegistry struct {
	reg *prometheus.Registry
	m   map[string]*dashboard.Dashboard
}

// NewDashboardRegistry creates an empty registry. reg may be nil to skip
// Prometheus registration entirely.
func NewDashboardRegistry(reg *prometheus.Registry) *DashboardRegistry {
	return &DashboardRegistry{reg: reg, m: make(map[string]*dashboard.Dashboard)}
}

// Get returns the Dashboard for host, creating it on first use.
func (d *DashboardRegistry) Get(host string) *dashboard.Dashboard {
	if existing, ok := d.m[host]; ok {
		return existing
	}
	dash := dashboard.New(host, d.reg)
	d.m[host] = dash
	return dash
}

// BuildGroups resolves every configured GroupSpec into a live
// dashboard.Group, wiring each mirror to its host's shared Dashboard
// through dashboards.
func BuildGroups(specs []GroupSpec, dashboards *DashboardRegistry) []*dashboard.Group {
	groups := make([]*dashboard.Group, 0, len(specs))
	for _, spec := range specs {
		mirrors := make([]*dashboard.Mirror, 0, len(spec.Mirrors))
		for _, ms := range spec.Mirrors {
			mirrors = append(mirrors, &dashboard.Mirror{
				Host:       ms.Host,
				Dashboard:  dashboards.Get(ms.Host),
				Indexes:    ms.Indexes,
				Blackhole:  ms.Blackhole,
				Persistent: ms.Persistent,
			})
		}
		groups = append(groups, dashboard.NewGroup(mirrors, spec.Strategy, spec.Retries))
	}
	return groups
}
