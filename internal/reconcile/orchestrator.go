package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/vaheed/tenantplane/internal/backup"
	"github.com/vaheed/tenantplane/internal/builders"
	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/logging"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// Orchestrator turns backup and restore requests into TenantBackup records and
// the Jobs that execute them. Record and Job share one name derived from the
// tenant, the operation and the backup name, so a request name maps to exactly one job.
type Orchestrator struct {
	Client  client.Client
	Scheme  *runtime.Scheme
	Builder *builders.Builder
}

// Submit records req for t and starts its job. Submitting the same request
// twice returns the existing record and creates nothing.
func (o *Orchestrator) Submit(ctx context.Context, t *v1alpha1.Tenant, req backup.Request) (*v1alpha1.TenantBackup, error) {
	labels := cluster.TenantLabels(t.Name)
	labels[builders.LabelOperation] = req.Kind()
	labels[cluster.LabelRequestID] = uuid.NewString()
	record := &v1alpha1.TenantBackup{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.BackupJobName(t.Name, req.Kind(), req.Name()),
			Namespace: t.Namespace,
			Labels:    labels,
		},
		Spec: v1alpha1.TenantBackupSpec{
			Tenant:     t.Name,
			Operation:  req.Operation(),
			BackupName: req.Name(),
		},
	}
	if err := controllerutil.SetControllerReference(t, record, o.Scheme); err != nil {
		return nil, fmt.Errorf("own backup record: %w", err)
	}
	if err := o.Client.Create(ctx, record); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("create backup record %s: %w", record.Name, err)
		}
		if err := o.Client.Get(ctx, client.ObjectKeyFromObject(record), record); err != nil {
			return nil, fmt.Errorf("get backup record %s: %w", record.Name, err)
		}
		return record, nil
	}
	logging.FromContext(ctx).Info("backup_request_recorded",
		zap.String("record", record.Name),
		zap.String("operation", string(req.Operation())),
		zap.String("request_id", labels[cluster.LabelRequestID]))
	if _, err := o.EnsureJob(ctx, t, record); err != nil {
		return record, err
	}
	return record, nil
}

// EnsureJob creates the Job of record when it does not exist yet and returns
// the live Job. The uploader credentials are copied into the tenant namespace first.
func (o *Orchestrator) EnsureJob(ctx context.Context, t *v1alpha1.Tenant, record *v1alpha1.TenantBackup) (*batchv1.Job, error) {
	if err := o.copyCredentials(ctx, t); err != nil {
		return nil, err
	}
	req := backup.New(record.Spec.Operation, record.Spec.BackupName)
	command := record.Namespace + "/" + record.Name
	job, err := o.Builder.JobFor(t, req, command, record.Labels[cluster.LabelRequestID])
	if err != nil {
		return nil, Permanent(err)
	}
	live, res, err := Ensure(ctx, o.Client, job, nil, nil)
	if err != nil {
		return nil, err
	}
	if res == controllerutil.OperationResultCreated {
		logging.FromContext(ctx).Info("backup_job_created",
			zap.String("job", job.Name),
			zap.String("namespace", job.Namespace),
			zap.String("operation", req.Kind()))
	}
	return live, nil
}

// copyCredentials mirrors the uploader secret from the tenant's namespace of
// record into the tenant namespace. A missing source is logged; the job will
// then fail visibly on the missing secret reference.
func (o *Orchestrator) copyCredentials(ctx context.Context, t *v1alpha1.Tenant) error {
	name := o.Builder.Options().AWSSecret
	var source corev1.Secret
	if err := o.Client.Get(ctx, client.ObjectKey{Namespace: t.Namespace, Name: name}, &source); err != nil {
		if apierrors.IsNotFound(err) {
			logging.FromContext(ctx).Warn("backup_credentials_missing",
				zap.String("secret", name), zap.String("namespace", t.Namespace))
			return nil
		}
		return fmt.Errorf("get uploader credentials: %w", err)
	}
	_, _, err := Ensure(ctx, o.Client, o.Builder.AWSCredentials(t, &source),
		func(live, desired *corev1.Secret) bool {
			return !maps.EqualFunc(live.Data, desired.Data, bytes.Equal)
		},
		func(live, desired *corev1.Secret) { live.Data = desired.Data })
	return err
}
