package builders

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

const defaultStorage = "10Gi"

// DatabaseSecret holds the generated credentials of the tenant database.
func (b *Builder) DatabaseSecret(t *v1alpha1.Tenant, password string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.DatabaseSecretName(t.Name),
			Namespace: cluster.TenantNamespace(t.Name),
			Labels:    componentLabels(t.Name, "database"),
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			"username": []byte(cluster.DatabaseUser(t.Name)),
			"password": []byte(password),
			"database": []byte(cluster.DatabaseName(t.Name)),
		},
	}
}

// DatabaseStatefulSet runs a single database replica on a persistent volume.
func (b *Builder) DatabaseStatefulSet(t *v1alpha1.Tenant) (*appsv1.StatefulSet, error) {
	engine, ok := LookupEngine(t.Spec.Database.Type)
	if !ok {
		return nil, fmt.Errorf("unsupported database type %q", t.Spec.Database.Type)
	}
	storage := t.Spec.Resources.Storage
	if storage == "" {
		storage = defaultStorage
	}
	size, err := resource.ParseQuantity(storage)
	if err != nil {
		return nil, fmt.Errorf("storage %q: %w", storage, err)
	}
	labels := componentLabels(t.Name, "database")
	labels["app"] = cluster.DatabaseWorkloadName(t.Name)
	selector := map[string]string{"app": labels["app"], cluster.LabelTenant: t.Name}
	replicas := int32(1)

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.DatabaseWorkloadName(t.Name),
			Namespace: cluster.TenantNamespace(t.Name),
			Labels:    labels,
		},
		Spec: appsv1.StatefulSetSpec{
			ServiceName: cluster.DatabaseServiceName(t.Name),
			Replicas:    &replicas,
			Selector:    &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "database",
						Image: engine.ImageFor(t.Spec.Database.Version),
						Ports: []corev1.ContainerPort{{Name: "db", ContainerPort: engine.Port}},
						Env:   engine.ServerEnv(cluster.DatabaseSecretName(t.Name)),
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "data",
							MountPath: engine.DataDir,
						}},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								Exec: &corev1.ExecAction{Command: engine.ReadyCommand},
							},
							InitialDelaySeconds: 5,
							PeriodSeconds:       10,
						},
					}},
				},
			},
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{{
				ObjectMeta: metav1.ObjectMeta{Name: "data"},
				Spec: corev1.PersistentVolumeClaimSpec{
					AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
					Resources: corev1.VolumeResourceRequirements{
						Requests: corev1.ResourceList{corev1.ResourceStorage: size},
					},
				},
			}},
		},
	}, nil
}

// DatabaseService is the headless service backing the StatefulSet.
func (b *Builder) DatabaseService(t *v1alpha1.Tenant) (*corev1.Service, error) {
	engine, ok := LookupEngine(t.Spec.Database.Type)
	if !ok {
		return nil, fmt.Errorf("unsupported database type %q", t.Spec.Database.Type)
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.DatabaseServiceName(t.Name),
			Namespace: cluster.TenantNamespace(t.Name),
			Labels:    componentLabels(t.Name, "database"),
		},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector: map[string]string{
				"app":               cluster.DatabaseWorkloadName(t.Name),
				cluster.LabelTenant: t.Name,
			},
			Ports: []corev1.ServicePort{{
				Name:       "db",
				Port:       engine.Port,
				TargetPort: intstr.FromInt32(engine.Port),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}, nil
}

// ConnectionURL describes where services reach the tenant database.
func ConnectionURL(t *v1alpha1.Tenant) string {
	port := int32(0)
	if engine, ok := LookupEngine(t.Spec.Database.Type); ok {
		port = engine.Port
	}
	return fmt.Sprintf("%s:%d/%s", cluster.DatabaseHost(t.Name), port, cluster.DatabaseName(t.Name))
}
