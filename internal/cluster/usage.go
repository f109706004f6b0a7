package cluster

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Usage is the resource footprint requested by a tenant's workloads.
type Usage struct {
	CPU     resource.Quantity
	Memory  resource.Quantity
	Storage resource.Quantity
}

// TenantUsage sums container requests times replicas across the Deployments and
// StatefulSets of the tenant namespace, plus the capacity requested by its claims.
func TenantUsage(ctx context.Context, c client.Reader, tenant string) (Usage, error) {
	ns := TenantNamespace(tenant)
	var u Usage

	var deps appsv1.DeploymentList
	if err := c.List(ctx, &deps, client.InNamespace(ns)); err != nil {
		return Usage{}, fmt.Errorf("list deployments: %w", err)
	}
	for i := range deps.Items {
		u.addPod(&deps.Items[i].Spec.Template.Spec, replicasOr1(deps.Items[i].Spec.Replicas))
	}

	var sets appsv1.StatefulSetList
	if err := c.List(ctx, &sets, client.InNamespace(ns)); err != nil {
		return Usage{}, fmt.Errorf("list statefulsets: %w", err)
	}
	for i := range sets.Items {
		u.addPod(&sets.Items[i].Spec.Template.Spec, replicasOr1(sets.Items[i].Spec.Replicas))
	}

	var claims corev1.PersistentVolumeClaimList
	if err := c.List(ctx, &claims, client.InNamespace(ns)); err != nil {
		return Usage{}, fmt.Errorf("list volume claims: %w", err)
	}
	for _, pvc := range claims.Items {
		if q, ok := pvc.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
			u.Storage.Add(q)
		}
	}
	return u, nil
}

func (u *Usage) addPod(spec *corev1.PodSpec, replicas int32) {
	for _, ctr := range spec.Containers {
		if q, ok := ctr.Resources.Requests[corev1.ResourceCPU]; ok {
			for i := int32(0); i < replicas; i++ {
				u.CPU.Add(q)
			}
		}
		if q, ok := ctr.Resources.Requests[corev1.ResourceMemory]; ok {
			for i := int32(0); i < replicas; i++ {
				u.Memory.Add(q)
			}
		}
	}
}

func replicasOr1(r *int32) int32 {
	if r == nil {
		return 1
	}
	return *r
}
