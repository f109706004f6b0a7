package builders

import (
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

const (
	ServiceContainerPort int32 = 8080
	ServicePort          int32 = 80
)

// ServiceImage is the image of a declared service at its declared version.
func (b *Builder) ServiceImage(svc v1alpha1.ServiceSpec) string {
	return fmt.Sprintf("%s/%s:%s", b.opts.ImageRegistry, svc.Name, svc.Version)
}

func serviceSelector(tenant, svc string) map[string]string {
	return map[string]string{"app": svc, "tenant": tenant}
}

// ServiceDeployment runs one declared service. Derived environment comes first;
// entries from the service spec override derived ones with the same name.
func (b *Builder) ServiceDeployment(t *v1alpha1.Tenant, svc v1alpha1.ServiceSpec) *appsv1.Deployment {
	labels := componentLabels(t.Name, "service")
	for k, v := range serviceSelector(t.Name, svc.Name) {
		labels[k] = v
	}
	labels["version"] = svc.Version
	replicas := svc.Replicas

	strategy := appsv1.DeploymentStrategy{Type: appsv1.RollingUpdateDeploymentStrategyType}
	if t.Annotations[v1alpha1.UpgradeStrategyAnnotation] == "recreate" {
		strategy = appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.ServiceWorkloadName(t.Name, svc.Name),
			Namespace: cluster.TenantNamespace(t.Name),
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: serviceSelector(t.Name, svc.Name)},
			Strategy: strategy,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:      svc.Name,
						Image:     b.ServiceImage(svc),
						Ports:     []corev1.ContainerPort{{Name: "http", ContainerPort: ServiceContainerPort}},
						Env:       b.serviceEnv(t, svc),
						Resources: resourceRequirements(t.Spec.Resources),
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{
									Path: "/health",
									Port: intstr.FromInt32(ServiceContainerPort),
								},
							},
							PeriodSeconds: 10,
						},
					}},
				},
			},
		},
	}
}

func (b *Builder) serviceEnv(t *v1alpha1.Tenant, svc v1alpha1.ServiceSpec) []corev1.EnvVar {
	secret := cluster.DatabaseSecretName(t.Name)
	port := ""
	if engine, ok := LookupEngine(t.Spec.Database.Type); ok {
		port = strconv.Itoa(int(engine.Port))
	}
	env := []corev1.EnvVar{
		{Name: "TENANT_ID", Value: t.Name},
		{Name: "TENANT_TIER", Value: string(t.Spec.Tier)},
		{Name: "SERVICE_VERSION", Value: svc.Version},
		{Name: "DB_HOST", Value: cluster.DatabaseHost(t.Name)},
		{Name: "DB_PORT", Value: port},
		{Name: "DB_NAME", Value: cluster.DatabaseName(t.Name)},
		secretEnv("DB_USER", secret, "username"),
		secretEnv("DB_PASSWORD", secret, "password"),
	}
	if t.Spec.Database.PoolSize > 0 {
		env = append(env, corev1.EnvVar{Name: "DB_POOL_SIZE", Value: strconv.Itoa(int(t.Spec.Database.PoolSize))})
	}
	for _, k := range sortedKeys(svc.Config) {
		env = append(env, corev1.EnvVar{Name: envName("CONFIG_", k), Value: svc.Config[k]})
	}
	for _, k := range sortedKeys(t.Spec.Features) {
		env = append(env, corev1.EnvVar{Name: envName("FEATURE_", k), Value: strconv.FormatBool(t.Spec.Features[k])})
	}
	return mergeEnv(env, svc.Env)
}

// mergeEnv replaces entries of base by name and appends the rest of overrides in order.
func mergeEnv(base, overrides []corev1.EnvVar) []corev1.EnvVar {
	out := append([]corev1.EnvVar(nil), base...)
	index := make(map[string]int, len(out))
	for i, e := range out {
		index[e.Name] = i
	}
	for _, e := range overrides {
		if i, ok := index[e.Name]; ok {
			out[i] = *e.DeepCopy()
			continue
		}
		index[e.Name] = len(out)
		out = append(out, *e.DeepCopy())
	}
	return out
}

// ServiceService exposes a declared service inside the cluster on port 80.
func (b *Builder) ServiceService(t *v1alpha1.Tenant, svc v1alpha1.ServiceSpec) *corev1.Service {
	labels := componentLabels(t.Name, "service")
	labels["app"] = svc.Name
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.ServiceServiceName(t.Name, svc.Name),
			Namespace: cluster.TenantNamespace(t.Name),
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: serviceSelector(t.Name, svc.Name),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       ServicePort,
				TargetPort: intstr.FromInt32(ServiceContainerPort),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// DeploymentChanged compares only the fields the controller is allowed to move:
// container image and replica count.
func DeploymentChanged(live, desired *appsv1.Deployment) bool {
	if replicasOf(live) != replicasOf(desired) {
		return true
	}
	return imageOf(live) != imageOf(desired)
}

// MergeDeployment copies the mutable fields of desired onto live.
func MergeDeployment(live, desired *appsv1.Deployment) {
	r := replicasOf(desired)
	live.Spec.Replicas = &r
	live.Spec.Strategy = desired.Spec.Strategy
	if live.Labels == nil {
		live.Labels = map[string]string{}
	}
	live.Labels["version"] = desired.Labels["version"]
	if live.Spec.Template.Labels == nil {
		live.Spec.Template.Labels = map[string]string{}
	}
	live.Spec.Template.Labels["version"] = desired.Spec.Template.Labels["version"]
	if len(live.Spec.Template.Spec.Containers) == 0 {
		live.Spec.Template.Spec.Containers = desired.Spec.Template.Spec.Containers
		return
	}
	live.Spec.Template.Spec.Containers[0].Image = imageOf(desired)
	live.Spec.Template.Spec.Containers[0].Env = desired.Spec.Template.Spec.Containers[0].Env
}

// ServiceChanged reports drift in the selector or port mapping.
func ServiceChanged(live, desired *corev1.Service) bool {
	if len(live.Spec.Ports) != len(desired.Spec.Ports) {
		return true
	}
	for i := range live.Spec.Ports {
		if live.Spec.Ports[i].Port != desired.Spec.Ports[i].Port ||
			live.Spec.Ports[i].TargetPort != desired.Spec.Ports[i].TargetPort {
			return true
		}
	}
	if len(live.Spec.Selector) != len(desired.Spec.Selector) {
		return true
	}
	for k, v := range desired.Spec.Selector {
		if live.Spec.Selector[k] != v {
			return true
		}
	}
	return false
}

// MergeService copies selector and ports, leaving the allocated ClusterIP alone.
func MergeService(live, desired *corev1.Service) {
	live.Spec.Selector = desired.Spec.Selector
	live.Spec.Ports = desired.Spec.Ports
}

func replicasOf(d *appsv1.Deployment) int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}

func imageOf(d *appsv1.Deployment) string {
	if len(d.Spec.Template.Spec.Containers) == 0 {
		return ""
	}
	return d.Spec.Template.Spec.Containers[0].Image
}
