package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/vaheed/tenantplane/internal/cluster"
)

func tenantNamespace(owner string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   "tenant-acme",
		Labels: map[string]string{cluster.LabelOwnerNamespace: owner},
	}}
}

func watcherRequest(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "tenant-acme", Name: name}}
}

func TestServiceWatcherRefreshesOwningTenant(t *testing.T) {
	ctx := context.Background()
	tenant := acmeTenant()
	tenant.Namespace = "crm"
	objs := append(acmeObjects(), tenant, tenantNamespace("crm"))
	c := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(objs...).Build()
	reg := NewRegistry(c, nil, nil)
	w := &ServiceWatcher{Client: c, Registry: reg, SystemNamespace: systemNS}

	_, err := w.Reconcile(ctx, watcherRequest("acme-api-svc"))
	require.NoError(t, err)
	assert.Len(t, reg.GetTenantEndpoints("acme"), 3)
}

func TestServiceWatcherPrunesDeletedServiceWithoutOwner(t *testing.T) {
	ctx := context.Background()
	c := fake.NewClientBuilder().WithScheme(testScheme(t)).WithObjects(append(acmeObjects(), acmeTenant())...).Build()
	reg := NewRegistry(c, nil, nil)
	require.NoError(t, reg.UpdateServiceEndpoints(ctx, acmeTenant()))

	require.NoError(t, c.Delete(ctx, acmeTenant()))
	require.NoError(t, c.Delete(ctx, service("acme-api-svc", nil)))

	w := &ServiceWatcher{Client: c, Registry: reg, SystemNamespace: systemNS}
	_, err := w.Reconcile(ctx, watcherRequest("acme-api-svc"))
	require.NoError(t, err)
	assert.Empty(t, reg.GetServiceEndpoints("acme-api-svc", "acme"))
	assert.Len(t, reg.GetTenantEndpoints("acme"), 1)
}

func TestServiceWatcherIgnoresNonTenantNamespaces(t *testing.T) {
	c := fake.NewClientBuilder().WithScheme(testScheme(t)).Build()
	reg := NewRegistry(c, nil, nil)
	w := &ServiceWatcher{Client: c, Registry: reg, SystemNamespace: systemNS}

	for _, ns := range []string{"default", systemNS} {
		_, err := w.Reconcile(context.Background(), ctrl.Request{NamespacedName: client.ObjectKey{Namespace: ns, Name: "x"}})
		require.NoError(t, err)
	}
	assert.Empty(t, reg.Tenants())
}
