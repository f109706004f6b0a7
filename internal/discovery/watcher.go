package discovery

import (
	"context"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/logging"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// ServiceWatcher refreshes a tenant's registry entry whenever a Service or
// its Endpoints change inside a tenant namespace.
type ServiceWatcher struct {
	client.Client
	Registry        *Registry
	SystemNamespace string
}

func (w *ServiceWatcher) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	tenantName := cluster.TenantFromNamespace(req.Namespace)
	if tenantName == "" || req.Namespace == w.SystemNamespace {
		return ctrl.Result{}, nil
	}
	log := logging.FromContext(ctx).With(
		zap.String("reconciler", "service-watcher"),
		zap.String("tenant", tenantName),
		zap.String("service", req.Name),
	)

	var svc corev1.Service
	svcErr := w.Get(ctx, req.NamespacedName, &svc)
	if svcErr != nil && !apierrors.IsNotFound(svcErr) {
		return ctrl.Result{}, svcErr
	}

	tenant, err := w.owner(ctx, tenantName, req.Namespace)
	if err != nil {
		return ctrl.Result{}, err
	}
	if tenant == nil {
		if apierrors.IsNotFound(svcErr) {
			log.Debug("discovery_prune_orphan_service")
			w.Registry.PruneService(ctx, tenantName, req.Name)
		}
		return ctrl.Result{}, nil
	}
	if err := w.Registry.UpdateServiceEndpoints(ctx, tenant); err != nil {
		log.Warn("discovery_refresh_failed", zap.Error(err))
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// owner resolves the Tenant behind a tenant namespace through the namespace's
// owner label, falling back to the system namespace. It returns nil when the
// Tenant no longer exists.
func (w *ServiceWatcher) owner(ctx context.Context, tenantName, namespace string) (*v1alpha1.Tenant, error) {
	ownerNS := w.SystemNamespace
	var ns corev1.Namespace
	if err := w.Get(ctx, client.ObjectKey{Name: namespace}, &ns); err == nil {
		if v := ns.Labels[cluster.LabelOwnerNamespace]; v != "" {
			ownerNS = v
		}
	} else if !apierrors.IsNotFound(err) {
		return nil, err
	}
	var t v1alpha1.Tenant
	if err := w.Get(ctx, client.ObjectKey{Namespace: ownerNS, Name: tenantName}, &t); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !t.DeletionTimestamp.IsZero() {
		return nil, nil
	}
	return &t, nil
}

func (w *ServiceWatcher) SetupWithManager(mgr ctrl.Manager) error {
	inTenantNamespace := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		ns := obj.GetNamespace()
		return ns != w.SystemNamespace && cluster.IsTenantNamespace(ns)
	})
	return ctrl.NewControllerManagedBy(mgr).
		Named("service-watcher").
		For(&corev1.Service{}).
		Watches(&corev1.Endpoints{}, &handler.EnqueueRequestForObject{}).
		WithEventFilter(inTenantNamespace).
		Complete(w)
}
