// Package builders turns a Tenant into the manifests that realise it.
// Every function is pure: identical inputs produce identical objects, which is
// what lets the controller compare before it updates.
package builders

import (
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// Options are the installation-wide settings the manifests depend on.
type Options struct {
	// ImageRegistry prefixes service images: <registry>/<service>:<version>.
	ImageRegistry string
	// SystemNamespace holds Tenant objects and discovery snapshots.
	SystemNamespace string
	BackupBucket    string
	// AWSSecret holds access-key-id and secret-access-key for the uploader.
	AWSSecret     string
	UploaderImage string
	IngressClass  string
	ClusterIssuer string
}

func (o Options) withDefaults() Options {
	if o.ImageRegistry == "" {
		o.ImageRegistry = "rezenkai"
	}
	if o.SystemNamespace == "" {
		o.SystemNamespace = "tenant-system"
	}
	if o.BackupBucket == "" {
		o.BackupBucket = "multi-saas-crm-backups"
	}
	if o.AWSSecret == "" {
		o.AWSSecret = "aws-credentials"
	}
	if o.UploaderImage == "" {
		o.UploaderImage = "amazon/aws-cli:2.15.0"
	}
	if o.IngressClass == "" {
		o.IngressClass = "nginx"
	}
	if o.ClusterIssuer == "" {
		o.ClusterIssuer = "letsencrypt-prod"
	}
	return o
}

// Builder renders manifests for tenants.
type Builder struct {
	opts Options
}

func New(opts Options) *Builder {
	return &Builder{opts: opts.withDefaults()}
}

func (b *Builder) Options() Options { return b.opts }

// Namespace is the isolated namespace of a tenant.
func (b *Builder) Namespace(t *v1alpha1.Tenant) *corev1.Namespace {
	labels := cluster.TenantLabels(t.Name)
	labels[cluster.LabelTier] = string(t.Spec.Tier)
	labels[cluster.LabelOwnerNamespace] = t.Namespace
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   cluster.TenantNamespace(t.Name),
			Labels: labels,
		},
	}
}

// AWSCredentials copies the system-wide uploader credentials into the tenant namespace.
func (b *Builder) AWSCredentials(t *v1alpha1.Tenant, source *corev1.Secret) *corev1.Secret {
	data := make(map[string][]byte, len(source.Data))
	for k, v := range source.Data {
		data[k] = append([]byte(nil), v...)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      b.opts.AWSSecret,
			Namespace: cluster.TenantNamespace(t.Name),
			Labels:    componentLabels(t.Name, "backup"),
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
}

func componentLabels(tenant, component string) map[string]string {
	labels := cluster.TenantLabels(tenant)
	labels[cluster.LabelComponent] = component
	return labels
}

func resourceRequirements(r v1alpha1.ResourceRequirements) corev1.ResourceRequirements {
	out := corev1.ResourceRequirements{}
	put := func(list *corev1.ResourceList, name corev1.ResourceName, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		q, err := resource.ParseQuantity(raw)
		if err != nil {
			return
		}
		if *list == nil {
			*list = corev1.ResourceList{}
		}
		(*list)[name] = q
	}
	put(&out.Requests, corev1.ResourceCPU, r.CPURequest)
	put(&out.Requests, corev1.ResourceMemory, r.MemoryRequest)
	put(&out.Limits, corev1.ResourceCPU, r.CPULimit)
	put(&out.Limits, corev1.ResourceMemory, r.MemoryLimit)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// envName upper-cases key and maps every other character to an underscore.
func envName(prefix, key string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
