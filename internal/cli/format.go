package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
	"github.com/vaheed/tenantplane/pkg/types"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatAge renders the time since t the way kubectl does: 45s, 12m, 5h, 3d.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "<unknown>"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// FormatTime renders an optional API timestamp.
func FormatTime(t *metav1.Time) string {
	if t == nil || t.IsZero() {
		return "Never"
	}
	return t.Format(timeLayout)
}

// ParseServiceFlag parses name:version[:replicas]; replicas defaults to 1.
func ParseServiceFlag(s string) (v1alpha1.ServiceSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return v1alpha1.ServiceSpec{}, fmt.Errorf("invalid service %q: want name:version[:replicas]", s)
	}
	svc := v1alpha1.ServiceSpec{Name: parts[0], Version: parts[1], Replicas: 1}
	if len(parts) == 3 {
		n, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil || n < 0 {
			return v1alpha1.ServiceSpec{}, fmt.Errorf("invalid replica count %q for service %s", parts[2], parts[0])
		}
		svc.Replicas = int32(n)
	}
	return svc, nil
}

// parseReplicas parses SVC=N pairs.
func parseReplicas(pairs []string) (map[string]int32, error) {
	out := make(map[string]int32, len(pairs))
	for _, p := range pairs {
		name, val, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid replica setting %q: want SERVICE=N", p)
		}
		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid replica count %q for service %s", val, name)
		}
		out[name] = int32(n)
	}
	return out, nil
}

func readyText(t *v1alpha1.Tenant) string {
	ready := 0
	for _, s := range t.Status.Services {
		if s.Ready {
			ready++
		}
	}
	return fmt.Sprintf("%d/%d", ready, len(t.Spec.Services))
}

func phaseText(p v1alpha1.Phase) string {
	if p == "" {
		return string(v1alpha1.PhasePending)
	}
	return string(p)
}

func printTenantTable(w io.Writer, tenants []v1alpha1.Tenant, allNamespaces bool, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	if allNamespaces {
		fmt.Fprint(tw, "NAMESPACE\t")
	}
	fmt.Fprintln(tw, "NAME\tORGANIZATION\tTIER\tPHASE\tSERVICES\tAGE")
	for i := range tenants {
		t := &tenants[i]
		if allNamespaces {
			fmt.Fprintf(tw, "%s\t", t.Namespace)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.Name, t.Spec.OrganizationName, t.Spec.Tier, phaseText(t.Status.Phase),
			readyText(t), FormatAge(t.CreationTimestamp.Time, now))
	}
	return tw.Flush()
}

func printTenantDetail(w io.Writer, t *v1alpha1.Tenant) {
	fmt.Fprintf(w, "Name:           %s\n", t.Name)
	fmt.Fprintf(w, "Namespace:      %s\n", t.Namespace)
	fmt.Fprintf(w, "Organization:   %s\n", t.Spec.OrganizationName)
	fmt.Fprintf(w, "Tier:           %s\n", t.Spec.Tier)
	fmt.Fprintf(w, "Phase:          %s\n", phaseText(t.Status.Phase))
	if len(t.Spec.Domains) > 0 {
		fmt.Fprintf(w, "Domains:        %s\n", strings.Join(t.Spec.Domains, ", "))
	}
	if t.Status.URL != "" {
		fmt.Fprintf(w, "URL:            %s\n", t.Status.URL)
	}

	fmt.Fprintln(w, "\nServices:")
	for _, s := range t.Spec.Services {
		state := "NotReady"
		ready := int32(0)
		if st, ok := t.Status.ServiceStatus(s.Name); ok {
			ready = st.ReadyReplicas
			if st.Ready {
				state = "Ready"
			}
		}
		fmt.Fprintf(w, "  %-16s %-10s %d/%d replicas  %s\n", s.Name, s.Version, ready, s.Replicas, state)
	}

	db := t.Status.Database
	fmt.Fprintln(w, "\nDatabase:")
	fmt.Fprintf(w, "  Type:         %s %s\n", t.Spec.Database.Type, t.Spec.Database.Version)
	fmt.Fprintf(w, "  Ready:        %t\n", db.Ready)
	fmt.Fprintf(w, "  Backups:      %s\n", backupPolicy(t.Spec.Database.Backup))
	fmt.Fprintf(w, "  Last Backup:  %s\n", FormatTime(db.LastBackupTime))
	fmt.Fprintf(w, "  Last Restore: %s\n", FormatTime(db.LastRestoreTime))

	r := t.Spec.Resources
	fmt.Fprintln(w, "\nResources:")
	fmt.Fprintf(w, "  CPU:          %s / %s\n", r.CPURequest, r.CPULimit)
	fmt.Fprintf(w, "  Memory:       %s / %s\n", r.MemoryRequest, r.MemoryLimit)
	fmt.Fprintf(w, "  Storage:      %s\n", r.Storage)
	if u := t.Status.ResourceMetrics; u.UpdatedAt != nil {
		fmt.Fprintf(w, "  Usage:        cpu=%s memory=%s storage=%s\n", u.CPUUsage, u.MemoryUsage, u.StorageUsage)
	}

	if len(t.Status.Conditions) > 0 {
		fmt.Fprintln(w, "\nConditions:")
		for _, c := range t.Status.Conditions {
			fmt.Fprintf(w, "  %-14s %-6s %-22s %s\n", c.Type, c.Status, c.Reason, c.Message)
		}
	}
	fmt.Fprintf(w, "\nLast Reconciled: %s\n", FormatTime(t.Status.LastReconciled))
}

func backupPolicy(b v1alpha1.BackupSpec) string {
	if !b.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("enabled (schedule %q, retention %dd)", b.Schedule, b.RetentionDays)
}

func printEndpoints(w io.Writer, eps []types.ServiceEndpoint) error {
	if len(eps) == 0 {
		fmt.Fprintln(w, "No endpoints registered")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tADDRESS\tPORT\tHEALTH")
	for _, e := range eps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Service, e.Address, e.Port, e.Health.Status)
	}
	return tw.Flush()
}
