package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"

	"github.com/vaheed/tenantplane/internal/builders"
	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/logging"
	"github.com/vaheed/tenantplane/internal/metrics"
	"github.com/vaheed/tenantplane/internal/telemetry"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

// BackupReconciler follows TenantBackup records through their jobs and
// reports the outcome on the record and on the owning Tenant.
type BackupReconciler struct {
	client.Client
	Scheme       *runtime.Scheme
	Recorder     record.EventRecorder
	Orchestrator *Orchestrator
}

func (r *BackupReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logging.FromContext(ctx).With(
		zap.String("reconciler", "backup"),
		zap.String("record", req.Name),
		zap.String("namespace", req.Namespace),
	)
	ctx = logging.IntoContext(ctx, log)

	var rec v1alpha1.TenantBackup
	if err := r.Get(ctx, req.NamespacedName, &rec); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if rec.Status.Phase.Finished() {
		return ctrl.Result{}, nil
	}

	var t v1alpha1.Tenant
	if err := r.Get(ctx, client.ObjectKey{Namespace: rec.Namespace, Name: rec.Spec.Tenant}, &t); err != nil {
		if !apierrors.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		next := rec.Status
		next.Phase = v1alpha1.BackupFailed
		next.Message = fmt.Sprintf("tenant %q not found", rec.Spec.Tenant)
		now := metav1.Now()
		next.CompletionTime = &now
		_, err := r.writeStatus(ctx, &rec, next)
		return ctrl.Result{}, err
	}

	job, err := r.liveJob(ctx, &t, &rec)
	if err != nil {
		if IsPermanent(err) {
			next := rec.Status
			next.Phase = v1alpha1.BackupFailed
			next.Message = err.Error()
			if done, werr := r.writeStatus(ctx, &rec, next); werr != nil || !done {
				return ctrl.Result{}, werr
			}
			r.finished(ctx, &t, &rec, next)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	next := r.observe(&t, &rec, job)
	done, err := r.writeStatus(ctx, &rec, next)
	if err != nil {
		return ctrl.Result{}, err
	}
	if done {
		r.finished(ctx, &t, &rec, next)
	}
	return ctrl.Result{}, nil
}

func (r *BackupReconciler) liveJob(ctx context.Context, t *v1alpha1.Tenant, rec *v1alpha1.TenantBackup) (*batchv1.Job, error) {
	var job batchv1.Job
	key := client.ObjectKey{Namespace: cluster.TenantNamespace(t.Name), Name: rec.Name}
	err := r.Get(ctx, key, &job)
	if err == nil {
		return &job, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}
	return r.Orchestrator.EnsureJob(ctx, t, rec)
}

// observe derives the record status from the job.
func (r *BackupReconciler) observe(t *v1alpha1.Tenant, rec *v1alpha1.TenantBackup, job *batchv1.Job) v1alpha1.TenantBackupStatus {
	next := rec.Status
	next.JobName = job.Name
	next.RequestID = rec.Labels[cluster.LabelRequestID]
	next.Artifact = r.Orchestrator.Builder.ArtifactURL(t.Name, rec.Spec.BackupName)
	if next.StartTime == nil {
		if job.Status.StartTime != nil {
			next.StartTime = job.Status.StartTime.DeepCopy()
		} else {
			start := job.CreationTimestamp
			next.StartTime = &start
		}
	}

	switch {
	case jobCondition(job, batchv1.JobComplete) || job.Status.Succeeded > 0:
		next.Phase = v1alpha1.BackupSucceeded
		next.Message = fmt.Sprintf("%s completed", strings.ToLower(string(rec.Spec.Operation)))
	case jobCondition(job, batchv1.JobFailed):
		next.Phase = v1alpha1.BackupFailed
		next.Message = jobFailureMessage(job)
	default:
		next.Phase = v1alpha1.BackupRunning
		next.Message = ""
	}
	if next.Phase.Finished() && next.CompletionTime == nil {
		if job.Status.CompletionTime != nil {
			next.CompletionTime = job.Status.CompletionTime.DeepCopy()
		} else {
			now := metav1.NewTime(time.Now().UTC())
			next.CompletionTime = &now
		}
	}
	return next
}

func jobCondition(job *batchv1.Job, cond batchv1.JobConditionType) bool {
	for _, c := range job.Status.Conditions {
		if c.Type == cond && c.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func jobFailureMessage(job *batchv1.Job) string {
	for _, c := range job.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Message != "" {
			return c.Message
		}
	}
	return fmt.Sprintf("job failed after %d attempt(s)", job.Status.Failed)
}

// writeStatus stores next unless the record already finished. It reports
// whether this call moved the record into a terminal phase.
func (r *BackupReconciler) writeStatus(ctx context.Context, rec *v1alpha1.TenantBackup, next v1alpha1.TenantBackupStatus) (bool, error) {
	finished := false
	err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		finished = false
		var latest v1alpha1.TenantBackup
		if err := r.Get(ctx, client.ObjectKeyFromObject(rec), &latest); err != nil {
			return client.IgnoreNotFound(err)
		}
		if latest.Status.Phase.Finished() || backupStatusEqual(latest.Status, next) {
			return nil
		}
		latest.Status = next
		if err := r.Status().Update(ctx, &latest); err != nil {
			return err
		}
		finished = next.Phase.Finished()
		return nil
	})
	return finished, err
}

func backupStatusEqual(a, b v1alpha1.TenantBackupStatus) bool {
	return a.Phase == b.Phase && a.RequestID == b.RequestID && a.JobName == b.JobName &&
		a.Artifact == b.Artifact && a.Message == b.Message &&
		timeEqual(a.StartTime, b.StartTime) && timeEqual(a.CompletionTime, b.CompletionTime)
}

func timeEqual(a, b *metav1.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

// finished reports a terminal outcome once: metrics, events and the tenant's
// BackupReady condition.
func (r *BackupReconciler) finished(ctx context.Context, t *v1alpha1.Tenant, rec *v1alpha1.TenantBackup, st v1alpha1.TenantBackupStatus) {
	log := logging.FromContext(ctx)
	op := strings.ToLower(string(rec.Spec.Operation))
	result := "succeeded"
	eventType := corev1.EventTypeNormal
	reason := ReasonBackupSucceeded
	if rec.Spec.Operation == v1alpha1.OperationRestore {
		reason = ReasonRestoreSucceeded
	}
	ok := st.Phase == v1alpha1.BackupSucceeded
	if !ok {
		result = "failed"
		eventType = corev1.EventTypeWarning
		reason = ReasonJobFailed
	}
	metrics.BackupJobsTotal.WithLabelValues(op, result).Inc()
	msg := fmt.Sprintf("%s %q %s", op, rec.Spec.BackupName, result)
	if st.Message != "" && !ok {
		msg += ": " + st.Message
	}
	log.Info("backup_job_finished", zap.String("operation", op), zap.String("result", result), zap.String("job", st.JobName))
	if r.Recorder != nil {
		r.Recorder.Event(rec, eventType, reason, msg)
		r.Recorder.Event(t, eventType, reason, msg)
	}
	telemetry.Emit(ctx, telemetry.Event{Tenant: t.Name, Type: eventType, Reason: reason, Message: msg})

	err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		var latest v1alpha1.Tenant
		if err := r.Get(ctx, client.ObjectKeyFromObject(t), &latest); err != nil {
			return err
		}
		setCondition(&latest.Status, latest.Generation, v1alpha1.ConditionBackupReady, ok, reason, msg)
		return r.Status().Update(ctx, &latest)
	})
	if client.IgnoreNotFound(err) != nil {
		log.Warn("backup_condition_update_failed", zap.Error(err))
	}
}

// recordForJob maps a job back to the record named in its command annotation.
func recordForJob(_ context.Context, obj client.Object) []ctrl.Request {
	ns, name, ok := strings.Cut(obj.GetAnnotations()[builders.AnnotationCommand], "/")
	if !ok || ns == "" || name == "" {
		return nil
	}
	return []ctrl.Request{{NamespacedName: client.ObjectKey{Namespace: ns, Name: name}}}
}

func (r *BackupReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Scheme == nil {
		r.Scheme = mgr.GetScheme()
	}
	if r.Recorder == nil {
		r.Recorder = mgr.GetEventRecorderFor("backup-controller")
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.TenantBackup{}).
		Watches(&batchv1.Job{}, handler.EnqueueRequestsFromMapFunc(recordForJob)).
		Complete(r)
}
