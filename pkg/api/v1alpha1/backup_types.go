package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// BackupOperation distinguishes the two kinds of backup commands.
type BackupOperation string

const (
	OperationBackup  BackupOperation = "Backup"
	OperationRestore BackupOperation = "Restore"
)

type BackupPhase string

const (
	BackupPending   BackupPhase = "Pending"
	BackupRunning   BackupPhase = "Running"
	BackupSucceeded BackupPhase = "Succeeded"
	BackupFailed    BackupPhase = "Failed"
)

// Finished reports whether the command reached a terminal phase.
func (p BackupPhase) Finished() bool {
	return p == BackupSucceeded || p == BackupFailed
}

type TenantBackupSpec struct {
	Tenant     string          `json:"tenant"`
	Operation  BackupOperation `json:"operation"`
	BackupName string          `json:"backupName"`
}

type TenantBackupStatus struct {
	Phase          BackupPhase  `json:"phase,omitempty"`
	RequestID      string       `json:"requestID,omitempty"`
	JobName        string       `json:"jobName,omitempty"`
	Artifact       string       `json:"artifact,omitempty"`
	StartTime      *metav1.Time `json:"startTime,omitempty"`
	CompletionTime *metav1.Time `json:"completionTime,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// TenantBackup records one backup or restore command issued for a tenant and
// tracks the outcome of the job that executes it.
type TenantBackup struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TenantBackupSpec   `json:"spec,omitempty"`
	Status TenantBackupStatus `json:"status,omitempty"`
}

func (in *TenantBackup) DeepCopy() *TenantBackup {
	if in == nil {
		return nil
	}
	out := *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Status.StartTime = in.Status.StartTime.DeepCopy()
	out.Status.CompletionTime = in.Status.CompletionTime.DeepCopy()
	return &out
}

func (in *TenantBackup) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

type TenantBackupList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []TenantBackup `json:"items"`
}

func (in *TenantBackupList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]TenantBackup, len(in.Items))
		for i := range in.Items {
			out.Items[i] = *in.Items[i].DeepCopy()
		}
	}
	return &out
}
