package cluster

import (
	"context"
	"strings"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func TestIsValidName(t *testing.T) {
	cases := map[string]bool{
		"acme":                  true,
		"acme-corp":             true,
		"a1":                    true,
		"Acme":                  false,
		"-acme":                 false,
		"acme-":                 false,
		"acme_corp":             false,
		"":                      false,
		strings.Repeat("a", 57): false,
	}
	for name, want := range cases {
		if got := IsValidName(name); got != want {
			t.Errorf("IsValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestTenantNamespaceRoundTrip(t *testing.T) {
	ns := TenantNamespace("acme")
	if ns != "tenant-acme" {
		t.Fatalf("unexpected namespace %q", ns)
	}
	if !IsTenantNamespace(ns) || TenantFromNamespace(ns) != "acme" {
		t.Fatalf("namespace %q should map back to acme", ns)
	}
	if IsTenantNamespace("tenant-") || IsTenantNamespace("default") {
		t.Fatalf("non-tenant namespaces must not match")
	}
	if TenantFromNamespace("kube-system") != "" {
		t.Fatalf("expected empty tenant for kube-system")
	}
}

func TestDerivedNames(t *testing.T) {
	if got := DatabaseName("acme-corp"); got != "tenant_acme_corp_db" {
		t.Fatalf("database name %q", got)
	}
	if got := DatabaseHost("acme"); got != "acme-db-svc.tenant-acme.svc.cluster.local" {
		t.Fatalf("database host %q", got)
	}
	if got := BackupJobName("acme", "backup", "Nightly Run!"); got != "acme-backup-nightly-run" {
		t.Fatalf("job name %q", got)
	}
	long := BackupJobName("acme", "restore", strings.Repeat("x", 100))
	if len(long) > 63 || !strings.HasPrefix(long, "acme-restore-") {
		t.Fatalf("job name not truncated: %q (%d)", long, len(long))
	}
	if got := BackupJobName("acme", "backup", "!!!"); got != "acme-backup-request" {
		t.Fatalf("fallback job name %q", got)
	}
}

func TestReadiness(t *testing.T) {
	dep := &appsv1.Deployment{Spec: appsv1.DeploymentSpec{Replicas: ptr.To[int32](2)}}
	dep.Status.ReadyReplicas = 1
	if DeploymentReady(dep) {
		t.Fatalf("1/2 replicas must not be ready")
	}
	dep.Status.ReadyReplicas = 2
	if !DeploymentReady(dep) {
		t.Fatalf("2/2 replicas should be ready")
	}
	if StatefulSetReady(&appsv1.StatefulSet{}) {
		t.Fatalf("statefulset without ready replicas reported ready")
	}
	if ConditionStatus(true) != metav1.ConditionTrue || ConditionStatus(false) != metav1.ConditionFalse {
		t.Fatalf("unexpected condition mapping")
	}
}

func TestTenantUsage(t *testing.T) {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	_ = appsv1.AddToScheme(scheme)

	requests := corev1.ResourceRequirements{Requests: corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("250m"),
		corev1.ResourceMemory: resource.MustParse("256Mi"),
	}}
	pod := corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Resources: requests}}}}
	objs := []runtime.Object{
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "acme-api", Namespace: "tenant-acme"},
			Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](2), Template: pod},
		},
		&appsv1.StatefulSet{
			ObjectMeta: metav1.ObjectMeta{Name: "acme-db", Namespace: "tenant-acme"},
			Spec:       appsv1.StatefulSetSpec{Replicas: ptr.To[int32](1), Template: pod},
		},
		&corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "data-acme-db-0", Namespace: "tenant-acme"},
			Spec: corev1.PersistentVolumeClaimSpec{Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse("10Gi")},
			}},
		},
		// other tenants are not counted
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "globex-api", Namespace: "tenant-globex"},
			Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](9), Template: pod},
		},
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithRuntimeObjects(objs...).Build()

	u, err := TenantUsage(context.Background(), c, "acme")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.CPU.Cmp(resource.MustParse("750m")) != 0 {
		t.Fatalf("cpu = %s, want 750m", u.CPU.String())
	}
	if u.Memory.Cmp(resource.MustParse("768Mi")) != 0 {
		t.Fatalf("memory = %s, want 768Mi", u.Memory.String())
	}
	if u.Storage.Cmp(resource.MustParse("10Gi")) != 0 {
		t.Fatalf("storage = %s, want 10Gi", u.Storage.String())
	}
}
