package reconcile

import (
	"strings"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to v1alpha1.Phase
		want     bool
	}{
		{"", v1alpha1.PhaseProvisioning, true},
		{v1alpha1.PhasePending, v1alpha1.PhaseProvisioning, true},
		{v1alpha1.PhaseProvisioning, v1alpha1.PhaseActive, true},
		{v1alpha1.PhaseActive, v1alpha1.PhaseProvisioning, false},
		{v1alpha1.PhaseActive, v1alpha1.PhasePending, false},
		{v1alpha1.PhaseProvisioning, v1alpha1.PhasePending, false},
		{v1alpha1.PhaseActive, v1alpha1.PhaseFailed, true},
		{v1alpha1.PhaseFailed, v1alpha1.PhaseProvisioning, true},
		{v1alpha1.PhaseActive, v1alpha1.PhaseTerminating, true},
		{v1alpha1.PhaseTerminating, v1alpha1.PhaseActive, false},
	}
	for _, tc := range cases {
		if got := canAdvance(tc.from, tc.to); got != tc.want {
			t.Errorf("canAdvance(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestUpsertServiceKeepsTimestampWhenUnchanged(t *testing.T) {
	first := metav1.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	later := metav1.NewTime(first.Add(time.Hour))
	st := v1alpha1.ServiceStatus{Name: "api", Replicas: 2, Version: "1.0.0"}

	var status v1alpha1.TenantStatus
	upsertService(&status, st, first)
	upsertService(&status, st, later)
	if !status.Services[0].LastUpdated.Equal(&first) {
		t.Fatalf("unchanged entry got a new timestamp: %v", status.Services[0].LastUpdated)
	}

	st.ReadyReplicas = 2
	st.Ready = true
	upsertService(&status, st, later)
	if !status.Services[0].LastUpdated.Equal(&later) || !status.Services[0].Ready {
		t.Fatalf("changed entry not updated: %+v", status.Services[0])
	}
}

func TestPruneServices(t *testing.T) {
	status := v1alpha1.TenantStatus{Services: []v1alpha1.ServiceStatus{{Name: "api"}, {Name: "old"}, {Name: "worker"}}}
	spec := v1alpha1.TenantSpec{Services: []v1alpha1.ServiceSpec{{Name: "worker"}, {Name: "api"}}}
	pruneServices(&status, spec)
	var names []string
	for _, s := range status.Services {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "api,worker" {
		t.Fatalf("got %v", names)
	}
	pruneServices(&status, v1alpha1.TenantSpec{})
	if status.Services != nil {
		t.Fatalf("expected no entries, got %v", status.Services)
	}
}

func TestStatusEqualIgnoresLastReconciled(t *testing.T) {
	now := metav1.Now()
	a := v1alpha1.TenantStatus{Phase: v1alpha1.PhaseActive}
	b := a
	b.LastReconciled = &now
	if !statusEqual(a, b) {
		t.Fatalf("LastReconciled alone must not count as a change")
	}
	b.URL = "https://acme.example.com"
	if statusEqual(a, b) {
		t.Fatalf("URL change not detected")
	}
}
