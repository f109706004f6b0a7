package cluster

import (
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// StatefulSetReady reports whether at least one replica of the workload is ready.
func StatefulSetReady(sts *appsv1.StatefulSet) bool {
	return sts != nil && sts.Status.ReadyReplicas > 0
}

// DeploymentReady reports whether every desired replica is ready.
func DeploymentReady(dep *appsv1.Deployment) bool {
	if dep == nil {
		return false
	}
	return dep.Status.ReadyReplicas == desiredReplicas(dep)
}

func desiredReplicas(dep *appsv1.Deployment) int32 {
	if dep.Spec.Replicas == nil {
		return 1
	}
	return *dep.Spec.Replicas
}

// ConditionStatus maps a boolean onto a condition status.
func ConditionStatus(ok bool) metav1.ConditionStatus {
	if ok {
		return metav1.ConditionTrue
	}
	return metav1.ConditionFalse
}
