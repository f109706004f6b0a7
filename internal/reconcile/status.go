package reconcile

import (
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// Condition reasons.
const (
	ReasonReconciled       = "Reconciled"
	ReasonProvisioning     = "Provisioning"
	ReasonInvalidSpec      = "InvalidSpec"
	ReasonReady            = "Ready"
	ReasonNotReady         = "NotReady"
	ReasonProgressing      = "Progressing"
	ReasonConfigured       = "Configured"
	ReasonHealthy          = "Healthy"
	ReasonDegraded         = "Degraded"
	ReasonBackupSubmitted  = "BackupSubmitted"
	ReasonRestoreSubmitted = "RestoreSubmitted"
	ReasonBackupSucceeded  = "BackupSucceeded"
	ReasonRestoreSucceeded = "RestoreSucceeded"
	ReasonBackupDisabled   = "BackupDisabled"
	ReasonJobFailed        = "JobFailed"
	ReasonActive           = "Active"
	ReasonTerminating      = "Terminating"
)

func setCondition(status *v1alpha1.TenantStatus, generation int64, condType string, ok bool, reason, message string) {
	meta.SetStatusCondition(&status.Conditions, metav1.Condition{
		Type:               condType,
		Status:             cluster.ConditionStatus(ok),
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
	})
}

// canAdvance enforces forward-only phases: Pending, Provisioning, Active.
// Failed and Terminating are reachable from anywhere and are left through
// Provisioning only.
func canAdvance(from, to v1alpha1.Phase) bool {
	if to == v1alpha1.PhaseFailed || to == v1alpha1.PhaseTerminating {
		return true
	}
	order := map[v1alpha1.Phase]int{
		"":                         0,
		v1alpha1.PhasePending:      0,
		v1alpha1.PhaseFailed:       0,
		v1alpha1.PhaseProvisioning: 1,
		v1alpha1.PhaseActive:       2,
	}
	if from == v1alpha1.PhaseTerminating {
		return false
	}
	return order[to] > order[from]
}

// upsertService replaces the status entry of st.Name, keeping the previous
// LastUpdated when nothing else changed.
func upsertService(status *v1alpha1.TenantStatus, st v1alpha1.ServiceStatus, now metav1.Time) {
	if prev, ok := status.ServiceStatus(st.Name); ok {
		st.LastUpdated = prev.LastUpdated
		if equality.Semantic.DeepEqual(*prev, st) {
			return
		}
	}
	st.LastUpdated = now
	status.UpsertService(st)
}

// pruneServices drops status entries of services no longer declared.
func pruneServices(status *v1alpha1.TenantStatus, spec v1alpha1.TenantSpec) {
	kept := status.Services[:0]
	for _, st := range status.Services {
		if _, ok := spec.Service(st.Name); ok {
			kept = append(kept, st)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	status.Services = kept
}

// statusEqual ignores LastReconciled, which alone never justifies a write.
func statusEqual(a, b v1alpha1.TenantStatus) bool {
	a.LastReconciled, b.LastReconciled = nil, nil
	return equality.Semantic.DeepEqual(a, b)
}
