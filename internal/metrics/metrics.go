package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	ReconcileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tenantplane",
		Name:      "reconcile_seconds",
		Help:      "Duration of tenant reconcile passes.",
		Buckets:   prometheus.DefBuckets,
	})
	ReconcileErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantplane",
		Name:      "reconcile_errors_total",
		Help:      "Reconcile step failures by step.",
	}, []string{"step"})
	TenantPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tenantplane",
		Name:      "tenant_phase",
		Help:      "Current phase of each tenant (1 for the active phase, 0 otherwise).",
	}, []string{"tenant", "phase"})
	TenantHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenant_health_status",
		Help: "Health status of tenant services (1 = healthy, 0 = unhealthy).",
	}, []string{"tenant", "service"})
	BackupJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantplane",
		Name:      "backup_jobs_total",
		Help:      "Backup and restore jobs by operation and result.",
	}, []string{"operation", "result"})
	DiscoveryEndpoints = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tenantplane",
		Name:      "discovery_endpoints",
		Help:      "Endpoints currently registered per tenant.",
	}, []string{"tenant"})
)

var phases = []string{"Pending", "Provisioning", "Active", "Failed", "Terminating"}

func init() {
	ctrlmetrics.Registry.MustRegister(
		ReconcileSeconds, ReconcileErrorsTotal, TenantPhase,
		TenantHealth, BackupJobsTotal, DiscoveryEndpoints,
	)
}

// SetPhase flags the given phase for tenant and clears the others.
func SetPhase(tenant, phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		TenantPhase.WithLabelValues(tenant, p).Set(v)
	}
}

// ForgetTenant drops every per-tenant series.
func ForgetTenant(tenant string) {
	TenantPhase.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	TenantHealth.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	DiscoveryEndpoints.DeleteLabelValues(tenant)
}

func BoolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
