package v1alpha1

import (
	"maps"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	GroupVersion = schema.GroupVersion{Group: "tenantplane.io", Version: "v1alpha1"}
)

const (
	// TenantFinalizer blocks removal until custodial cleanup has run.
	TenantFinalizer = "tenantplane.io/finalizer"

	BackupRequestAnnotation   = "tenantplane.io/backup-request"
	RestoreRequestAnnotation  = "tenantplane.io/restore-request"
	UpgradeStrategyAnnotation = "tenantplane.io/upgrade-strategy"
	UpgradeTimeAnnotation     = "tenantplane.io/upgrade-timestamp"
)

// Tier selects the commercial plan of a tenant.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierStandard     Tier = "standard"
	TierProfessional Tier = "professional"
	TierPremium      Tier = "premium"
	TierEnterprise   Tier = "enterprise"
)

// Known reports whether t is one of the supported tiers.
func (t Tier) Known() bool {
	switch t {
	case TierStarter, TierStandard, TierProfessional, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// Phase is the coarse lifecycle state of a tenant.
type Phase string

const (
	PhasePending      Phase = "Pending"
	PhaseProvisioning Phase = "Provisioning"
	PhaseActive       Phase = "Active"
	PhaseFailed       Phase = "Failed"
	PhaseTerminating  Phase = "Terminating"
)

// Condition types written by the tenant controller.
const (
	ConditionReady         = "Ready"
	ConditionDatabaseReady = "DatabaseReady"
	ConditionServicesReady = "ServicesReady"
	ConditionIngressReady  = "IngressReady"
	ConditionBackupReady   = "BackupReady"
	ConditionHealthy       = "Healthy"
)

type ResourceRequirements struct {
	CPURequest    string `json:"cpuRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty"`
	Storage       string `json:"storage,omitempty"`
}

// ServiceSpec declares one versioned business service of a tenant.
type ServiceSpec struct {
	Name     string            `json:"name"`
	Version  string            `json:"version"`
	Replicas int32             `json:"replicas"`
	Env      []corev1.EnvVar   `json:"env,omitempty"`
	Config   map[string]string `json:"config,omitempty"`
}

func (s ServiceSpec) DeepCopy() ServiceSpec {
	out := s
	if s.Env != nil {
		out.Env = make([]corev1.EnvVar, len(s.Env))
		for i := range s.Env {
			s.Env[i].DeepCopyInto(&out.Env[i])
		}
	}
	if s.Config != nil {
		out.Config = maps.Clone(s.Config)
	}
	return out
}

type BackupSpec struct {
	Enabled       bool   `json:"enabled"`
	Schedule      string `json:"schedule,omitempty"`
	RetentionDays int32  `json:"retentionDays,omitempty"`
}

type DatabaseSpec struct {
	Type     string     `json:"type"`
	Version  string     `json:"version,omitempty"`
	PoolSize int32      `json:"poolSize,omitempty"`
	Backup   BackupSpec `json:"backup,omitempty"`
}

// TenantSpec defines the desired state of a tenant.
type TenantSpec struct {
	OrganizationName string               `json:"organizationName"`
	Tier             Tier                 `json:"tier"`
	Resources        ResourceRequirements `json:"resources,omitempty"`
	Services         []ServiceSpec        `json:"services,omitempty"`
	Database         DatabaseSpec         `json:"database"`
	Domains          []string             `json:"domains,omitempty"`
	Features         map[string]bool      `json:"features,omitempty"`
}

func (s TenantSpec) DeepCopy() TenantSpec {
	out := s
	if s.Services != nil {
		out.Services = make([]ServiceSpec, len(s.Services))
		for i := range s.Services {
			out.Services[i] = s.Services[i].DeepCopy()
		}
	}
	if s.Domains != nil {
		out.Domains = append([]string{}, s.Domains...)
	}
	if s.Features != nil {
		out.Features = maps.Clone(s.Features)
	}
	return out
}

// Service returns the declared service with the given name.
func (s *TenantSpec) Service(name string) (*ServiceSpec, bool) {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i], true
		}
	}
	return nil, false
}

type ServiceStatus struct {
	Name          string      `json:"name"`
	Ready         bool        `json:"ready"`
	Replicas      int32       `json:"replicas"`
	ReadyReplicas int32       `json:"readyReplicas"`
	Version       string      `json:"version"`
	Endpoints     []string    `json:"endpoints,omitempty"`
	LastUpdated   metav1.Time `json:"lastUpdated,omitempty"`
}

type DatabaseStatus struct {
	Ready           bool         `json:"ready"`
	ConnectionURL   string       `json:"connectionURL,omitempty"`
	MigrationsRun   bool         `json:"migrationsRun"`
	LastBackupTime  *metav1.Time `json:"lastBackupTime,omitempty"`
	LastRestoreTime *metav1.Time `json:"lastRestoreTime,omitempty"`
}

// ResourceMetrics reports the resources allocated to a tenant's workloads.
type ResourceMetrics struct {
	CPUUsage     string       `json:"cpuUsage,omitempty"`
	MemoryUsage  string       `json:"memoryUsage,omitempty"`
	StorageUsage string       `json:"storageUsage,omitempty"`
	UpdatedAt    *metav1.Time `json:"updatedAt,omitempty"`
}

// TenantStatus defines the observed state of a tenant.
type TenantStatus struct {
	Phase              Phase              `json:"phase,omitempty"`
	ObservedGeneration int64              `json:"observedGeneration,omitempty"`
	Conditions         []metav1.Condition `json:"conditions,omitempty"`
	Services           []ServiceStatus    `json:"services,omitempty"`
	Database           DatabaseStatus     `json:"database,omitempty"`
	ResourceMetrics    ResourceMetrics    `json:"resourceMetrics,omitempty"`
	LastReconciled     *metav1.Time       `json:"lastReconciled,omitempty"`
	URL                string             `json:"url,omitempty"`
}

func (s TenantStatus) DeepCopy() TenantStatus {
	out := s
	if s.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(s.Conditions))
		for i := range s.Conditions {
			s.Conditions[i].DeepCopyInto(&out.Conditions[i])
		}
	}
	if s.Services != nil {
		out.Services = make([]ServiceStatus, len(s.Services))
		for i, svc := range s.Services {
			out.Services[i] = svc
			if svc.Endpoints != nil {
				out.Services[i].Endpoints = append([]string{}, svc.Endpoints...)
			}
			svc.LastUpdated.DeepCopyInto(&out.Services[i].LastUpdated)
		}
	}
	out.Database.LastBackupTime = s.Database.LastBackupTime.DeepCopy()
	out.Database.LastRestoreTime = s.Database.LastRestoreTime.DeepCopy()
	out.ResourceMetrics.UpdatedAt = s.ResourceMetrics.UpdatedAt.DeepCopy()
	out.LastReconciled = s.LastReconciled.DeepCopy()
	return out
}

// ServiceStatus returns the status entry for the named service.
func (s *TenantStatus) ServiceStatus(name string) (*ServiceStatus, bool) {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i], true
		}
	}
	return nil, false
}

// UpsertService replaces the entry with the same name or appends a new one.
func (s *TenantStatus) UpsertService(st ServiceStatus) {
	for i := range s.Services {
		if s.Services[i].Name == st.Name {
			s.Services[i] = st
			return
		}
	}
	s.Services = append(s.Services, st)
}

// Tenant is a customer unit with its own namespace, database and services.
type Tenant struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TenantSpec   `json:"spec,omitempty"`
	Status TenantStatus `json:"status,omitempty"`
}

func (in *Tenant) DeepCopy() *Tenant {
	if in == nil {
		return nil
	}
	out := *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = in.Spec.DeepCopy()
	out.Status = in.Status.DeepCopy()
	return &out
}

func (in *Tenant) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

// TenantList contains a list of tenants.
type TenantList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Tenant `json:"items"`
}

func (in *TenantList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := *in
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]Tenant, len(in.Items))
		for i := range in.Items {
			out.Items[i] = *in.Items[i].DeepCopy()
		}
	}
	return &out
}

// AddToScheme registers the tenantplane API types.
func AddToScheme(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(GroupVersion,
		&Tenant{}, &TenantList{},
		&TenantBackup{}, &TenantBackupList{},
	)
	metav1.AddToGroupVersion(scheme, GroupVersion)
	return nil
}
