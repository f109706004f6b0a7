package backup

import (
	"strings"

	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// Request is a backup or restore command addressed to one tenant.
// The set of implementations is closed: BackupRequest and RestoreRequest.
type Request interface {
	Operation() v1alpha1.BackupOperation
	Name() string
	// Kind is the lowercase operation used in object names.
	Kind() string
	isRequest()
}

// BackupRequest dumps the tenant database and uploads it under Name.
type BackupRequest struct{ BackupName string }

// RestoreRequest downloads the artifact stored under Name and loads it.
type RestoreRequest struct{ BackupName string }

func (r BackupRequest) Operation() v1alpha1.BackupOperation { return v1alpha1.OperationBackup }
func (r BackupRequest) Name() string                        { return r.BackupName }
func (r BackupRequest) Kind() string                        { return "backup" }
func (BackupRequest) isRequest()                            {}

func (r RestoreRequest) Operation() v1alpha1.BackupOperation { return v1alpha1.OperationRestore }
func (r RestoreRequest) Name() string                        { return r.BackupName }
func (r RestoreRequest) Kind() string                        { return "restore" }
func (RestoreRequest) isRequest()                            {}

// New builds the request matching op.
func New(op v1alpha1.BackupOperation, name string) Request {
	if op == v1alpha1.OperationRestore {
		return RestoreRequest{BackupName: name}
	}
	return BackupRequest{BackupName: name}
}

// Pending returns the requests encoded in the tenant's annotations, backups first.
func Pending(annotations map[string]string) []Request {
	var out []Request
	if name := requestName(annotations[v1alpha1.BackupRequestAnnotation]); name != "" {
		out = append(out, BackupRequest{BackupName: name})
	}
	if name := requestName(annotations[v1alpha1.RestoreRequestAnnotation]); name != "" {
		out = append(out, RestoreRequest{BackupName: name})
	}
	return out
}

// Carries reports whether annotations still hold r, compared the way Pending
// parses them.
func Carries(annotations map[string]string, r Request) bool {
	v, ok := annotations[Annotation(r)]
	return ok && requestName(v) == r.Name()
}

func requestName(v string) string { return strings.TrimSpace(v) }

// Annotation returns the tenant annotation that carries r.
func Annotation(r Request) string {
	if r.Operation() == v1alpha1.OperationRestore {
		return v1alpha1.RestoreRequestAnnotation
	}
	return v1alpha1.BackupRequestAnnotation
}

// ArtifactPrefix is the object-store prefix holding one backup's files.
func ArtifactPrefix(tenant, name string) string {
	return tenant + "/" + name + "/"
}
