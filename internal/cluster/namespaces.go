package cluster

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	tenantNamespacePrefix = "tenant-"
	namespaceMaxLength    = 63

	LabelTenant          = "tenantplane.io/name"
	LabelTier            = "tenantplane.io/tier"
	LabelOwnerNamespace  = "tenantplane.io/owner-namespace"
	LabelComponent       = "app.kubernetes.io/component"
	LabelManagedBy       = "app.kubernetes.io/managed-by"
	LabelRequestID       = "tenantplane.io/request-id"
	ManagedByTenantplane = "tenantplane"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// IsValidName reports whether name is lowercase alphanumeric with internal hyphens
// and short enough to be embedded in every derived object name.
func IsValidName(name string) bool {
	return len(name) <= namespaceMaxLength-len(tenantNamespacePrefix) && namePattern.MatchString(name)
}

// TenantNamespace returns the isolated namespace of a tenant.
func TenantNamespace(tenant string) string {
	return tenantNamespacePrefix + tenant
}

// IsTenantNamespace reports whether ns follows the tenant-<name> convention.
func IsTenantNamespace(ns string) bool {
	return len(ns) > len(tenantNamespacePrefix) && strings.HasPrefix(ns, tenantNamespacePrefix)
}

// TenantFromNamespace extracts the tenant name from a tenant namespace.
func TenantFromNamespace(ns string) string {
	if !IsTenantNamespace(ns) {
		return ""
	}
	return strings.TrimPrefix(ns, tenantNamespacePrefix)
}

func DatabaseSecretName(tenant string) string       { return tenant + "-db-credentials" }
func DatabaseWorkloadName(tenant string) string     { return tenant + "-db" }
func DatabaseServiceName(tenant string) string      { return tenant + "-db-svc" }
func DatabaseName(tenant string) string             { return "tenant_" + sqlIdent(tenant) + "_db" }
func DatabaseUser(tenant string) string             { return "tenant_" + sqlIdent(tenant) }
func ServiceWorkloadName(tenant, svc string) string { return tenant + "-" + svc }
func ServiceServiceName(tenant, svc string) string  { return tenant + "-" + svc + "-svc" }
func IngressName(tenant string) string              { return tenant + "-ingress" }
func TLSSecretName(tenant string) string            { return tenant + "-tls" }
func GatewayServiceName(tenant string) string       { return ServiceServiceName(tenant, "gateway") }
func DiscoveryConfigMapName(tenant string) string   { return tenant + "-discovery" }

// DatabaseHost is the in-cluster DNS name of the tenant database service.
func DatabaseHost(tenant string) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local", DatabaseServiceName(tenant), TenantNamespace(tenant))
}

// BackupJobName names the job and command record for a backup or restore.
func BackupJobName(tenant, kind, name string) string {
	return joinName(tenant+"-"+kind+"-", name)
}

// joinName appends a sanitized suffix to prefix, truncating to the object name limit.
func joinName(prefix, suffix string) string {
	s := sanitizeSegment(suffix, "request", namespaceMaxLength)
	if allowed := namespaceMaxLength - len(prefix); len(s) > allowed {
		if allowed < 1 {
			allowed = 1
		}
		s = strings.Trim(s[:allowed], "-")
		if s == "" {
			s = "r"
		}
	}
	return prefix + s
}

func sqlIdent(tenant string) string {
	return strings.ReplaceAll(tenant, "-", "_")
}

func sanitizeSegment(value, fallback string, maxLen int) string {
	in := strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(in))
	prevHyphen := false
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevHyphen = false
		} else {
			if prevHyphen {
				continue
			}
			b.WriteRune('-')
			prevHyphen = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = fallback
	}
	if len(out) > maxLen {
		out = out[:maxLen]
		out = strings.Trim(out, "-")
		if out == "" {
			out = fallback
		}
	}
	return out
}

// TenantLabels are stamped on every object owned by a tenant.
func TenantLabels(tenant string) map[string]string {
	return map[string]string{
		LabelTenant:    tenant,
		LabelManagedBy: ManagedByTenantplane,
	}
}
