package builders

import (
	"reflect"

	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// Ingress routes every tenant domain to the gateway service over TLS.
// It returns nil when the tenant has no domains.
func (b *Builder) Ingress(t *v1alpha1.Tenant) *networkingv1.Ingress {
	if len(t.Spec.Domains) == 0 {
		return nil
	}
	class := b.opts.IngressClass
	pathType := networkingv1.PathTypePrefix
	backend := networkingv1.IngressBackend{
		Service: &networkingv1.IngressServiceBackend{
			Name: cluster.GatewayServiceName(t.Name),
			Port: networkingv1.ServiceBackendPort{Number: ServicePort},
		},
	}
	rules := make([]networkingv1.IngressRule, 0, len(t.Spec.Domains))
	for _, host := range t.Spec.Domains {
		rules = append(rules, networkingv1.IngressRule{
			Host: host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{
						Path:     "/",
						PathType: &pathType,
						Backend:  backend,
					}},
				},
			},
		})
	}
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.IngressName(t.Name),
			Namespace: cluster.TenantNamespace(t.Name),
			Labels:    componentLabels(t.Name, "ingress"),
			Annotations: map[string]string{
				"cert-manager.io/cluster-issuer":           b.opts.ClusterIssuer,
				"nginx.ingress.kubernetes.io/ssl-redirect": "true",
			},
		},
		Spec: networkingv1.IngressSpec{
			IngressClassName: &class,
			TLS: []networkingv1.IngressTLS{{
				Hosts:      append([]string(nil), t.Spec.Domains...),
				SecretName: cluster.TLSSecretName(t.Name),
			}},
			Rules: rules,
		},
	}
}

// TenantURL is the externally visible address of a tenant, empty without domains.
func TenantURL(t *v1alpha1.Tenant) string {
	if len(t.Spec.Domains) == 0 {
		return ""
	}
	return "https://" + t.Spec.Domains[0]
}

// IngressChanged compares hosts, TLS and routing rules.
func IngressChanged(live, desired *networkingv1.Ingress) bool {
	return !reflect.DeepEqual(live.Spec.Rules, desired.Spec.Rules) ||
		!reflect.DeepEqual(live.Spec.TLS, desired.Spec.TLS)
}

// MergeIngress copies the desired spec and annotations onto live.
func MergeIngress(live, desired *networkingv1.Ingress) {
	live.Spec = desired.Spec
	if live.Annotations == nil {
		live.Annotations = map[string]string{}
	}
	for k, v := range desired.Annotations {
		live.Annotations[k] = v
	}
}
