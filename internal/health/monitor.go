// Package health aggregates workload, endpoint and database checks for a tenant.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/tenantplane/internal/builders"
	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/logging"
	"github.com/vaheed/tenantplane/internal/metrics"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
	"github.com/vaheed/tenantplane/pkg/types"
)

const defaultConcurrency = 8

// EndpointRegistry is the part of the discovery registry the monitor needs.
type EndpointRegistry interface {
	GetTenantEndpoints(tenant string) []types.ServiceEndpoint
	CheckServiceHealth(ctx context.Context, ep types.ServiceEndpoint) types.HealthStatus
	UpdateHealthStatus(tenant, service string, health types.HealthStatus)
}

// Report summarises one health pass.
type Report struct {
	// DatabaseReady is true when the database workload has a ready replica and,
	// if a probe is configured, accepted a connection.
	DatabaseReady bool
	MigrationsRun bool
	// Unhealthy lists services with at least one failing endpoint.
	Unhealthy []string
	Probed    int
	Message   string
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.DatabaseReady && len(r.Unhealthy) == 0 }

// Monitor checks tenant health. Failures are reported, never returned as errors,
// except when the cluster API itself cannot be read.
type Monitor struct {
	client      client.Reader
	registry    EndpointRegistry
	db          DatabaseProbe
	concurrency int
}

// NewMonitor builds a monitor. A nil probe limits the database check to the workload.
func NewMonitor(c client.Reader, reg EndpointRegistry, db DatabaseProbe) *Monitor {
	return &Monitor{client: c, registry: reg, db: db, concurrency: defaultConcurrency}
}

// CheckTenantHealth probes every HTTP service endpoint of the tenant
// concurrently, records the results in the registry and the
// tenant_health_status gauge, then checks the database.
func (m *Monitor) CheckTenantHealth(ctx context.Context, t *v1alpha1.Tenant) (Report, error) {
	log := logging.FromContext(ctx).With(zap.String("tenant", t.Name))
	var report Report

	byService := map[string][]types.ServiceEndpoint{}
	for _, ep := range m.registry.GetTenantEndpoints(t.Name) {
		if ep.Metadata[cluster.LabelComponent] != "service" {
			continue
		}
		byService[ep.Service] = append(byService[ep.Service], ep)
	}

	var mu sync.Mutex
	results := map[string]types.HealthStatus{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for svc, eps := range byService {
		for _, ep := range eps {
			svc, ep := svc, ep
			g.Go(func() error {
				h := m.registry.CheckServiceHealth(gctx, ep)
				mu.Lock()
				defer mu.Unlock()
				if prev, ok := results[svc]; !ok || prev.Healthy() {
					results[svc] = h
				}
				return nil
			})
			report.Probed++
		}
	}
	_ = g.Wait()

	for svc, h := range results {
		m.registry.UpdateHealthStatus(t.Name, svc, h)
		metrics.TenantHealth.WithLabelValues(t.Name, svc).Set(metrics.BoolToFloat(h.Healthy()))
		if !h.Healthy() {
			report.Unhealthy = append(report.Unhealthy, svc)
			log.Info("service_unhealthy", zap.String("service", svc), zap.String("message", h.Message))
		}
	}
	sort.Strings(report.Unhealthy)

	ready, migrated, msg, err := m.checkDatabase(ctx, t)
	if err != nil {
		return report, err
	}
	report.DatabaseReady = ready
	report.MigrationsRun = migrated
	metrics.TenantHealth.WithLabelValues(t.Name, "database").Set(metrics.BoolToFloat(ready))

	var parts []string
	if msg != "" {
		parts = append(parts, msg)
	}
	if len(report.Unhealthy) > 0 {
		parts = append(parts, "unhealthy services: "+strings.Join(report.Unhealthy, ", "))
	}
	report.Message = strings.Join(parts, "; ")
	return report, nil
}

func (m *Monitor) checkDatabase(ctx context.Context, t *v1alpha1.Tenant) (ready, migrated bool, msg string, err error) {
	ns := cluster.TenantNamespace(t.Name)
	var sts appsv1.StatefulSet
	if err := m.client.Get(ctx, client.ObjectKey{Namespace: ns, Name: cluster.DatabaseWorkloadName(t.Name)}, &sts); err != nil {
		if apierrors.IsNotFound(err) {
			return false, false, "database workload missing", nil
		}
		return false, false, "", fmt.Errorf("get database workload: %w", err)
	}
	if !cluster.StatefulSetReady(&sts) {
		return false, false, "database has no ready replicas", nil
	}
	engine, ok := builders.LookupEngine(t.Spec.Database.Type)
	if m.db == nil || !ok || engine.Tool != "pg_dump" {
		return true, false, "", nil
	}

	var secret corev1.Secret
	if err := m.client.Get(ctx, client.ObjectKey{Namespace: ns, Name: cluster.DatabaseSecretName(t.Name)}, &secret); err != nil {
		if apierrors.IsNotFound(err) {
			return false, false, "database credentials missing", nil
		}
		return false, false, "", fmt.Errorf("get database credentials: %w", err)
	}
	dsn := PostgresDSN(cluster.DatabaseHost(t.Name), engine.Port,
		string(secret.Data["username"]), string(secret.Data["password"]), string(secret.Data["database"]))
	res, perr := m.db.Probe(ctx, dsn)
	if perr != nil {
		return false, false, "database unreachable: " + perr.Error(), nil
	}
	return true, res.MigrationsRun, "", nil
}
