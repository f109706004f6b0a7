package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/vaheed/tenantplane/internal/builders"
	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// PermanentError marks a failure that retrying cannot fix, such as an invalid
// spec. The controller parks the tenant in phase Failed until its spec changes.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// reservedNames collide with the system namespace under the tenant- prefix.
var reservedNames = map[string]struct{}{"system": {}}

// Validate checks the parts of a Tenant the platform does not enforce but the
// manifests depend on. All problems are reported at once.
func Validate(t *v1alpha1.Tenant) error {
	var errs []error
	if !cluster.IsValidName(t.Name) {
		errs = append(errs, fmt.Errorf("name %q must be lowercase alphanumeric with internal hyphens", t.Name))
	} else if _, ok := reservedNames[t.Name]; ok {
		errs = append(errs, fmt.Errorf("name %q is reserved", t.Name))
	}
	if strings.TrimSpace(t.Spec.OrganizationName) == "" {
		errs = append(errs, errors.New("organizationName is required"))
	}
	if !t.Spec.Tier.Known() {
		errs = append(errs, fmt.Errorf("unknown tier %q", t.Spec.Tier))
	}
	if _, ok := builders.LookupEngine(t.Spec.Database.Type); !ok {
		errs = append(errs, fmt.Errorf("unsupported database type %q (supported: %s)",
			t.Spec.Database.Type, strings.Join(builders.EngineNames(), ", ")))
	}
	if t.Spec.Database.Backup.RetentionDays < 0 {
		errs = append(errs, errors.New("database.backup.retentionDays must not be negative"))
	}

	seen := map[string]struct{}{}
	for i, svc := range t.Spec.Services {
		if !cluster.IsValidName(svc.Name) || !cluster.IsValidName(t.Name+"-"+svc.Name+"-svc") {
			errs = append(errs, fmt.Errorf("services[%d]: invalid name %q", i, svc.Name))
		}
		if _, dup := seen[svc.Name]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate service %q", i, svc.Name))
		}
		seen[svc.Name] = struct{}{}
		if strings.TrimSpace(svc.Version) == "" {
			errs = append(errs, fmt.Errorf("services[%d]: version is required", i))
		}
		if svc.Replicas < 0 {
			errs = append(errs, fmt.Errorf("services[%d]: replicas must not be negative", i))
		}
	}

	r := t.Spec.Resources
	for _, q := range []struct{ field, raw string }{
		{"resources.cpuRequest", r.CPURequest},
		{"resources.cpuLimit", r.CPULimit},
		{"resources.memoryRequest", r.MemoryRequest},
		{"resources.memoryLimit", r.MemoryLimit},
		{"resources.storage", r.Storage},
	} {
		raw := strings.TrimSpace(q.raw)
		if raw == "" {
			continue
		}
		if _, err := resource.ParseQuantity(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid quantity %q", q.field, raw))
		}
	}
	for i, d := range t.Spec.Domains {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, "/: ") {
			errs = append(errs, fmt.Errorf("domains[%d]: invalid host %q", i, d))
		}
	}
	return errors.Join(errs...)
}
