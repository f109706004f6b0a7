// Package discovery keeps a per-tenant cache of live service endpoints and
// their health, and persists a snapshot of it for out-of-process readers.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/logging"
	"github.com/vaheed/tenantplane/internal/metrics"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
	"github.com/vaheed/tenantplane/pkg/types"
)

var systemServices = map[string]struct{}{
	"kubernetes":     {},
	"kube-dns":       {},
	"metrics-server": {},
}

// Registry owns the endpoint cache. One mutex guards both the in-memory
// replace and the snapshot write, so persisted revisions never go backwards.
type Registry struct {
	client client.Reader
	store  SnapshotStore
	prober *Prober
	now    func() time.Time

	mu        sync.RWMutex
	endpoints map[string][]types.ServiceEndpoint
	meta      map[string]types.SnapshotMetadata
	revisions map[string]uint64
	uids      map[string]k8stypes.UID
	// removed holds the UID of every tenant evicted by RemoveTenant. A late
	// refresh carrying that UID is dropped; a recreated tenant clears it.
	removed map[string]k8stypes.UID
}

// NewRegistry builds a registry reading services through c. A nil store
// disables persistence; a nil prober uses the default HTTP prober.
func NewRegistry(c client.Reader, store SnapshotStore, prober *Prober) *Registry {
	if prober == nil {
		prober = NewProber(ProberOptions{})
	}
	return &Registry{
		client:    c,
		store:     store,
		prober:    prober,
		now:       time.Now,
		endpoints: map[string][]types.ServiceEndpoint{},
		meta:      map[string]types.SnapshotMetadata{},
		revisions: map[string]uint64{},
		uids:      map[string]k8stypes.UID{},
		removed:   map[string]k8stypes.UID{},
	}
}

// UpdateServiceEndpoints re-reads every service of the tenant namespace and
// replaces the tenant's cache entry wholesale. A snapshot is written only when
// the endpoint set or tenant metadata changed; failures are logged only.
// Tenants being deleted, or already removed, are ignored.
func (r *Registry) UpdateServiceEndpoints(ctx context.Context, t *v1alpha1.Tenant) error {
	if !t.DeletionTimestamp.IsZero() {
		return nil
	}
	endpoints, err := r.resolve(ctx, t)
	if err != nil {
		return err
	}
	meta := types.SnapshotMetadata{
		Tier:         string(t.Spec.Tier),
		Organization: t.Spec.OrganizationName,
		UpdatedAt:    r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if uid, gone := r.removed[t.Name]; gone {
		if uid == t.UID {
			logging.FromContext(ctx).Debug("discovery_stale_refresh_dropped", zap.String("tenant", t.Name))
			return nil
		}
		delete(r.removed, t.Name)
	}
	r.uids[t.Name] = t.UID
	prev, known := r.endpoints[t.Name]
	carryHealth(endpoints, prev)
	r.endpoints[t.Name] = endpoints
	if known && sameEndpoints(prev, endpoints) &&
		r.meta[t.Name].Tier == meta.Tier && r.meta[t.Name].Organization == meta.Organization {
		return nil
	}
	r.meta[t.Name] = meta
	r.persistLocked(ctx, t.Name)
	return nil
}

// carryHealth keeps the last known health of endpoints that survive a refresh.
func carryHealth(next, prev []types.ServiceEndpoint) {
	if len(prev) == 0 {
		return
	}
	type key struct {
		service, address string
		port             int32
	}
	known := make(map[key]types.HealthStatus, len(prev))
	for _, ep := range prev {
		known[key{ep.Service, ep.Address, ep.Port}] = ep.Health
	}
	for i := range next {
		if h, ok := known[key{next[i].Service, next[i].Address, next[i].Port}]; ok {
			next[i].Health = h
		}
	}
}

// sameEndpoints compares everything but health and timestamps.
func sameEndpoints(a, b []types.ServiceEndpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Service != y.Service || x.Namespace != y.Namespace || x.Address != y.Address ||
			x.Port != y.Port || x.Protocol != y.Protocol || !maps.Equal(x.Metadata, y.Metadata) {
			return false
		}
	}
	return true
}

// PruneService drops a single service from a tenant's entry. It is used when a
// service disappears and the owning Tenant cannot be resolved.
func (r *Registry) PruneService(ctx context.Context, tenant, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.endpoints[tenant]
	if !ok {
		return
	}
	kept := current[:0:0]
	for _, ep := range current {
		if ep.Service != service {
			kept = append(kept, ep)
		}
	}
	if len(kept) == len(current) {
		return
	}
	r.endpoints[tenant] = kept
	r.persistLocked(ctx, tenant)
}

func (r *Registry) persistLocked(ctx context.Context, tenant string) {
	r.revisions[tenant]++
	endpoints := r.endpoints[tenant]
	metrics.DiscoveryEndpoints.WithLabelValues(tenant).Set(float64(len(endpoints)))
	if r.store == nil {
		return
	}
	snap := types.Snapshot{
		Tenant:    tenant,
		Revision:  r.revisions[tenant],
		Endpoints: types.CloneEndpoints(endpoints),
		Metadata:  r.meta[tenant],
	}
	if err := r.store.Save(ctx, snap); err != nil {
		logging.FromContext(ctx).Warn("discovery_snapshot_failed",
			zap.String("tenant", tenant), zap.Uint64("revision", snap.Revision), zap.Error(err))
	}
}

func (r *Registry) resolve(ctx context.Context, t *v1alpha1.Tenant) ([]types.ServiceEndpoint, error) {
	ns := cluster.TenantNamespace(t.Name)
	var services corev1.ServiceList
	if err := r.client.List(ctx, &services, client.InNamespace(ns)); err != nil {
		return nil, fmt.Errorf("list services in %s: %w", ns, err)
	}
	sort.Slice(services.Items, func(i, j int) bool { return services.Items[i].Name < services.Items[j].Name })

	now := r.now().UTC()
	out := []types.ServiceEndpoint{}
	for _, svc := range services.Items {
		if _, skip := systemServices[svc.Name]; skip {
			continue
		}
		var ep corev1.Endpoints
		if err := r.client.Get(ctx, client.ObjectKey{Namespace: ns, Name: svc.Name}, &ep); err != nil {
			if !apierrors.IsNotFound(err) {
				logging.FromContext(ctx).Warn("discovery_endpoints_get_failed",
					zap.String("tenant", t.Name), zap.String("service", svc.Name), zap.Error(err))
			}
			continue
		}
		for _, subset := range ep.Subsets {
			for _, addr := range subset.Addresses {
				for _, port := range subset.Ports {
					md := map[string]string{
						"tier":         string(t.Spec.Tier),
						"organization": t.Spec.OrganizationName,
					}
					for k, v := range svc.Labels {
						md[k] = v
					}
					out = append(out, types.ServiceEndpoint{
						Service:   svc.Name,
						Namespace: ns,
						Tenant:    t.Name,
						Address:   addr.IP,
						Port:      port.Port,
						Protocol:  string(port.Protocol),
						Metadata:  md,
						Health:    types.HealthStatus{Status: types.HealthUnknown, LastCheck: now},
						UpdatedAt: now,
					})
				}
			}
		}
	}
	return out, nil
}

// GetServiceEndpoints returns copies of the cached endpoints of one service.
func (r *Registry) GetServiceEndpoints(service, tenant string) []types.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []types.ServiceEndpoint{}
	for _, ep := range r.endpoints[tenant] {
		if ep.Service == service {
			out = append(out, ep.Clone())
		}
	}
	return out
}

// GetTenantEndpoints returns copies of every cached endpoint of a tenant.
func (r *Registry) GetTenantEndpoints(tenant string) []types.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.CloneEndpoints(r.endpoints[tenant])
}

// GetAllEndpoints returns copies of the whole cache keyed by tenant.
func (r *Registry) GetAllEndpoints() map[string][]types.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]types.ServiceEndpoint, len(r.endpoints))
	for tenant, eps := range r.endpoints {
		out[tenant] = types.CloneEndpoints(eps)
	}
	return out
}

// FindService scans all endpoints for ones matching every criterion. The keys
// service, tenant and namespace match the endpoint fields; any other key is
// looked up in the metadata.
func (r *Registry) FindService(criteria map[string]string) []types.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []types.ServiceEndpoint{}
	for _, tenant := range sortedTenants(r.endpoints) {
		for _, ep := range r.endpoints[tenant] {
			if matches(ep, criteria) {
				out = append(out, ep.Clone())
			}
		}
	}
	return out
}

// RemoveTenant evicts the tenant and deletes its snapshot. An absent tenant is not an error.
func (r *Registry) RemoveTenant(ctx context.Context, tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[tenant] = r.uids[tenant]
	delete(r.endpoints, tenant)
	delete(r.meta, tenant)
	delete(r.revisions, tenant)
	delete(r.uids, tenant)
	metrics.DiscoveryEndpoints.DeleteLabelValues(tenant)
	if r.store == nil {
		return nil
	}
	if err := r.store.Delete(ctx, tenant); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete discovery snapshot for %s: %w", tenant, err)
	}
	return nil
}

// CheckServiceHealth probes one endpoint. It does not touch the cache.
func (r *Registry) CheckServiceHealth(ctx context.Context, ep types.ServiceEndpoint) types.HealthStatus {
	return r.prober.Check(ctx, ep)
}

// UpdateHealthStatus records health on every cached endpoint of the service.
func (r *Registry) UpdateHealthStatus(tenant, service string, health types.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	eps := r.endpoints[tenant]
	for i := range eps {
		if eps[i].Service == service {
			eps[i].Health = health
			eps[i].UpdatedAt = now
		}
	}
}

// Tenants lists the tenants currently cached.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedTenants(r.endpoints)
}

func sortedTenants(m map[string][]types.ServiceEndpoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func matches(ep types.ServiceEndpoint, criteria map[string]string) bool {
	for key, value := range criteria {
		switch key {
		case "service":
			if ep.Service != value {
				return false
			}
		case "tenant":
			if ep.Tenant != value {
				return false
			}
		case "namespace":
			if ep.Namespace != value {
				return false
			}
		default:
			if v, ok := ep.Metadata[key]; !ok || v != value {
				return false
			}
		}
	}
	return true
}
