// Package reconcile holds the controllers that converge Tenants and their
// backup commands.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlbuilder "sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/vaheed/tenantplane/internal/backup"
	"github.com/vaheed/tenantplane/internal/builders"
	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/health"
	"github.com/vaheed/tenantplane/internal/logging"
	"github.com/vaheed/tenantplane/internal/metrics"
	"github.com/vaheed/tenantplane/internal/security"
	"github.com/vaheed/tenantplane/internal/telemetry"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

const (
	// HealthyRequeue re-verifies an Active tenant.
	HealthyRequeue = 5 * time.Minute
	// RetryRequeue follows a failed step or a tenant still provisioning.
	RetryRequeue = 30 * time.Second

	passwordLength = 24
)

var tracer = otel.Tracer("github.com/vaheed/tenantplane/internal/reconcile")

// EndpointRegistry is the part of the discovery registry the controller drives.
type EndpointRegistry interface {
	UpdateServiceEndpoints(ctx context.Context, t *v1alpha1.Tenant) error
	RemoveTenant(ctx context.Context, tenant string) error
}

// HealthChecker aggregates workload and endpoint health.
type HealthChecker interface {
	CheckTenantHealth(ctx context.Context, t *v1alpha1.Tenant) (health.Report, error)
}

// TenantReconciler converges a Tenant into its namespace, database, services,
// ingress and backup jobs. Passes are single-flight per tenant through the
// controller work queue.
type TenantReconciler struct {
	client.Client
	Scheme       *runtime.Scheme
	Recorder     record.EventRecorder
	Builder      *builders.Builder
	Registry     EndpointRegistry
	Health       HealthChecker
	Orchestrator *Orchestrator
	// Passwords generates database credentials; defaults to a random 24 character secret.
	Passwords               func() (string, error)
	MaxConcurrentReconciles int

	now func() time.Time
}

// pass carries the state of one reconcile invocation. Status changes collect
// in status and are written once at the end.
type pass struct {
	r      *TenantReconciler
	t      *v1alpha1.Tenant
	status v1alpha1.TenantStatus
	log    *zap.Logger
	// backupTouched is set when this pass owns the BackupReady condition.
	backupTouched bool
	servicesReady bool
	dbReady       bool
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

func (r *TenantReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	start := time.Now()
	defer func() { metrics.ReconcileSeconds.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "tenant.reconcile", trace.WithAttributes(
		attribute.String("tenant", req.Name),
		attribute.String("namespace", req.Namespace),
	))
	defer span.End()
	log := logging.FromContext(ctx).With(
		zap.String("reconciler", "tenant"),
		zap.String("tenant", req.Name),
		zap.String("namespace", req.Namespace),
		zap.String("reconcile_id", uuid.NewString()),
	)
	ctx = logging.IntoContext(ctx, log)

	var t v1alpha1.Tenant
	if err := r.Get(ctx, req.NamespacedName, &t); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	if !t.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, r.finalize(ctx, &t)
	}
	if controllerutil.AddFinalizer(&t, v1alpha1.TenantFinalizer) {
		if err := r.Update(ctx, &t); err != nil {
			return ctrl.Result{}, fmt.Errorf("add finalizer: %w", err)
		}
		log.Debug("tenant_finalizer_added")
	}

	p := &pass{r: r, t: &t, status: t.Status.DeepCopy(), log: log}
	if err := Validate(&t); err != nil {
		return p.failPermanently(ctx, err)
	}

	if p.status.Phase == v1alpha1.PhaseFailed && p.status.ObservedGeneration == t.Generation {
		// Failures are parked until the spec changes.
		return ctrl.Result{}, nil
	}
	if p.status.Phase == "" || p.status.Phase == v1alpha1.PhasePending || p.status.Phase == v1alpha1.PhaseFailed {
		p.setPhase(ctx, v1alpha1.PhaseProvisioning)
	}
	p.status.ObservedGeneration = t.Generation

	steps := []step{
		{"namespace", p.ensureNamespace},
		{"database", p.reconcileDatabase},
		{"services", p.reconcileServices},
		{"backup", p.reconcileBackups},
		{"ingress", p.reconcileIngress},
		{"health", p.checkHealth},
		{"discovery", p.updateRegistry},
	}
	for _, s := range steps {
		if err := p.runStep(ctx, s); err != nil {
			span.SetStatus(codes.Error, s.name)
			if IsPermanent(err) {
				return p.failPermanently(ctx, err)
			}
			return p.stepFailed(ctx, s.name, err)
		}
	}

	ready := p.status.Phase == v1alpha1.PhaseActive && p.servicesReady && p.dbReady
	if ready {
		setCondition(&p.status, t.Generation, v1alpha1.ConditionReady, true, ReasonReconciled, "tenant is active")
	} else {
		setCondition(&p.status, t.Generation, v1alpha1.ConditionReady, false, ReasonProvisioning, "waiting for workloads to become ready")
	}
	if err := p.writeStatus(ctx); err != nil {
		return ctrl.Result{}, err
	}
	metrics.SetPhase(t.Name, string(p.status.Phase))
	log.Debug("tenant_reconcile_done", zap.String("phase", string(p.status.Phase)), zap.Duration("duration", time.Since(start)))
	if ready {
		return ctrl.Result{RequeueAfter: HealthyRequeue}, nil
	}
	return ctrl.Result{RequeueAfter: RetryRequeue}, nil
}

func (p *pass) runStep(ctx context.Context, s step) error {
	ctx, span := tracer.Start(ctx, "tenant."+s.name)
	defer span.End()
	if err := s.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// stepFailed records a transient failure and retries shortly without undoing
// what earlier steps already applied.
func (p *pass) stepFailed(ctx context.Context, name string, err error) (ctrl.Result, error) {
	metrics.ReconcileErrorsTotal.WithLabelValues(name).Inc()
	p.log.Warn("tenant_step_failed", zap.String("step", name), zap.Error(err))
	reason := stepReason(name)
	setCondition(&p.status, p.t.Generation, v1alpha1.ConditionReady, false, reason, err.Error())
	p.event(ctx, corev1.EventTypeWarning, reason, fmt.Sprintf("%s step failed: %v", name, err))
	if werr := p.writeStatus(ctx); werr != nil {
		return ctrl.Result{}, errors.Join(err, werr)
	}
	return ctrl.Result{RequeueAfter: RetryRequeue}, nil
}

// failPermanently parks the tenant in Failed. Nothing is requeued: only a new
// generation of the spec brings the tenant back to Provisioning.
func (p *pass) failPermanently(ctx context.Context, err error) (ctrl.Result, error) {
	if p.status.Phase == v1alpha1.PhaseFailed && p.status.ObservedGeneration == p.t.Generation {
		return ctrl.Result{}, nil
	}
	metrics.ReconcileErrorsTotal.WithLabelValues("validate").Inc()
	p.log.Warn("tenant_spec_invalid", zap.Error(err))
	p.status.ObservedGeneration = p.t.Generation
	p.setPhase(ctx, v1alpha1.PhaseFailed)
	setCondition(&p.status, p.t.Generation, v1alpha1.ConditionReady, false, ReasonInvalidSpec, err.Error())
	p.event(ctx, corev1.EventTypeWarning, ReasonInvalidSpec, err.Error())
	if werr := p.writeStatus(ctx); werr != nil {
		return ctrl.Result{}, werr
	}
	metrics.SetPhase(p.t.Name, string(v1alpha1.PhaseFailed))
	return ctrl.Result{}, nil
}

func stepReason(name string) string {
	switch name {
	case "namespace":
		return "NamespaceFailed"
	case "database":
		return "DatabaseFailed"
	case "services":
		return "ServicesFailed"
	case "backup":
		return "BackupFailed"
	case "ingress":
		return "IngressFailed"
	case "health":
		return "HealthCheckFailed"
	default:
		return "DiscoveryFailed"
	}
}

func (p *pass) setPhase(ctx context.Context, phase v1alpha1.Phase) {
	if p.status.Phase == phase || !canAdvance(p.status.Phase, phase) {
		return
	}
	from := p.status.Phase
	p.status.Phase = phase
	p.log.Info("tenant_phase_changed", zap.String("from", string(from)), zap.String("to", string(phase)))
	if phase != v1alpha1.PhaseFailed {
		p.event(ctx, corev1.EventTypeNormal, string(phase), fmt.Sprintf("tenant phase is now %s", phase))
	}
}

func (p *pass) event(ctx context.Context, eventType, reason, message string) {
	if p.r.Recorder != nil {
		p.r.Recorder.Event(p.t, eventType, reason, message)
	}
	telemetry.Emit(ctx, telemetry.Event{Tenant: p.t.Name, Type: eventType, Reason: reason, Message: message})
}

func (p *pass) ensureNamespace(ctx context.Context) error {
	_, res, err := Ensure(ctx, p.r.Client, p.r.Builder.Namespace(p.t),
		func(live, desired *corev1.Namespace) bool {
			for k, v := range desired.Labels {
				if live.Labels[k] != v {
					return true
				}
			}
			return false
		},
		func(live, desired *corev1.Namespace) {
			if live.Labels == nil {
				live.Labels = map[string]string{}
			}
			for k, v := range desired.Labels {
				live.Labels[k] = v
			}
		})
	if err == nil && res == controllerutil.OperationResultCreated {
		p.log.Info("tenant_namespace_created", zap.String("namespace", cluster.TenantNamespace(p.t.Name)))
	}
	return err
}

// reconcileDatabase generates credentials once, creates the database workload
// once and keeps its headless service in shape. The StatefulSet is never
// updated after creation.
func (p *pass) reconcileDatabase(ctx context.Context) error {
	b := p.r.Builder
	var secret corev1.Secret
	key := client.ObjectKey{Namespace: cluster.TenantNamespace(p.t.Name), Name: cluster.DatabaseSecretName(p.t.Name)}
	if err := p.r.Get(ctx, key, &secret); err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("get database credentials: %w", err)
		}
		password, err := p.r.password()
		if err != nil {
			return fmt.Errorf("generate database password: %w", err)
		}
		if _, _, err := Ensure(ctx, p.r.Client, b.DatabaseSecret(p.t, password), nil, nil); err != nil {
			return err
		}
	}

	sts, err := b.DatabaseStatefulSet(p.t)
	if err != nil {
		return Permanent(err)
	}
	live, res, err := Ensure(ctx, p.r.Client, sts, nil, nil)
	if err != nil {
		return err
	}
	if res == controllerutil.OperationResultCreated {
		p.log.Info("tenant_database_created", zap.String("engine", p.t.Spec.Database.Type))
	}
	svc, err := b.DatabaseService(p.t)
	if err != nil {
		return Permanent(err)
	}
	if _, _, err := Ensure(ctx, p.r.Client, svc, builders.ServiceChanged, builders.MergeService); err != nil {
		return err
	}

	p.dbReady = cluster.StatefulSetReady(live)
	p.status.Database.ConnectionURL = builders.ConnectionURL(p.t)
	p.status.Database.Ready = p.dbReady
	if p.dbReady {
		setCondition(&p.status, p.t.Generation, v1alpha1.ConditionDatabaseReady, true, ReasonReady, "database is ready")
	} else {
		setCondition(&p.status, p.t.Generation, v1alpha1.ConditionDatabaseReady, false, ReasonNotReady, "database has no ready replicas")
	}
	return nil
}

// reconcileServices converges every declared service. Existing workloads are
// updated only when image or replica count moved.
func (p *pass) reconcileServices(ctx context.Context) error {
	b := p.r.Builder
	now := metav1.NewTime(p.r.clock().UTC())
	ready := 0
	for _, svc := range p.t.Spec.Services {
		dep, res, err := Ensure(ctx, p.r.Client, b.ServiceDeployment(p.t, svc), builders.DeploymentChanged, builders.MergeDeployment)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
		if res != controllerutil.OperationResultNone {
			p.log.Info("tenant_service_applied", zap.String("service", svc.Name), zap.String("operation", string(res)),
				zap.String("version", svc.Version), zap.Int32("replicas", svc.Replicas))
		}
		netSvc, _, err := Ensure(ctx, p.r.Client, b.ServiceService(p.t, svc), builders.ServiceChanged, builders.MergeService)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}

		st := v1alpha1.ServiceStatus{
			Name:          svc.Name,
			Ready:         cluster.DeploymentReady(dep),
			Replicas:      svc.Replicas,
			ReadyReplicas: dep.Status.ReadyReplicas,
			Version:       svc.Version,
			Endpoints: []string{
				fmt.Sprintf("%s.%s.svc.cluster.local:%d", netSvc.Name, netSvc.Namespace, builders.ServicePort),
			},
		}
		if st.Ready {
			ready++
		}
		upsertService(&p.status, st, now)
	}
	pruneServices(&p.status, p.t.Spec)

	total := len(p.t.Spec.Services)
	p.servicesReady = ready == total
	msg := fmt.Sprintf("%d/%d services ready", ready, total)
	if p.servicesReady {
		setCondition(&p.status, p.t.Generation, v1alpha1.ConditionServicesReady, true, ReasonReady, msg)
	} else {
		setCondition(&p.status, p.t.Generation, v1alpha1.ConditionServicesReady, false, ReasonProgressing, msg)
	}
	return nil
}

// reconcileBackups consumes pending backup and restore annotations. Every
// annotation observed here is cleared by this pass, whether or not backups are enabled.
func (p *pass) reconcileBackups(ctx context.Context) error {
	pending := backup.Pending(p.t.Annotations)
	if len(pending) == 0 {
		return nil
	}
	enabled := p.t.Spec.Database.Backup.Enabled
	if enabled {
		if p.r.Orchestrator == nil {
			return errors.New("backup orchestrator not configured")
		}
		now := metav1.NewTime(p.r.clock().UTC())
		for _, req := range pending {
			record, err := p.r.Orchestrator.Submit(ctx, p.t, req)
			if err != nil {
				return fmt.Errorf("submit %s %s: %w", req.Kind(), req.Name(), err)
			}
			reason := ReasonBackupSubmitted
			if req.Operation() == v1alpha1.OperationRestore {
				reason = ReasonRestoreSubmitted
				p.status.Database.LastRestoreTime = &now
			} else {
				p.status.Database.LastBackupTime = &now
			}
			p.backupTouched = true
			msg := fmt.Sprintf("%s %q submitted as %s", req.Kind(), req.Name(), record.Name)
			setCondition(&p.status, p.t.Generation, v1alpha1.ConditionBackupReady, true, reason, msg)
			p.event(ctx, corev1.EventTypeNormal, reason, msg)
		}
	} else {
		for _, req := range pending {
			p.event(ctx, corev1.EventTypeWarning, ReasonBackupDisabled,
				fmt.Sprintf("%s %q ignored: backups are disabled", req.Kind(), req.Name()))
		}
	}
	return p.clearRequests(ctx, pending)
}

// clearRequests removes consumed annotations. A request replaced by a new
// value in the meantime is left for the next pass.
func (p *pass) clearRequests(ctx context.Context, consumed []backup.Request) error {
	key := client.ObjectKeyFromObject(p.t)
	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		var latest v1alpha1.Tenant
		if err := p.r.Get(ctx, key, &latest); err != nil {
			return err
		}
		changed := false
		for _, req := range consumed {
			if backup.Carries(latest.Annotations, req) {
				delete(latest.Annotations, backup.Annotation(req))
				changed = true
			}
		}
		if !changed {
			return nil
		}
		if err := p.r.Update(ctx, &latest); err != nil {
			return err
		}
		p.t.ObjectMeta = *latest.ObjectMeta.DeepCopy()
		return nil
	})
}

func (p *pass) reconcileIngress(ctx context.Context) error {
	desired := p.r.Builder.Ingress(p.t)
	if desired == nil {
		var live networkingv1.Ingress
		key := client.ObjectKey{Namespace: cluster.TenantNamespace(p.t.Name), Name: cluster.IngressName(p.t.Name)}
		if err := p.r.Get(ctx, key, &live); err == nil {
			if err := p.r.Delete(ctx, &live); client.IgnoreNotFound(err) != nil {
				return fmt.Errorf("delete ingress: %w", err)
			}
		} else if !apierrors.IsNotFound(err) {
			return fmt.Errorf("get ingress: %w", err)
		}
		p.status.URL = ""
		meta.RemoveStatusCondition(&p.status.Conditions, v1alpha1.ConditionIngressReady)
		return nil
	}
	if _, _, err := Ensure(ctx, p.r.Client, desired, builders.IngressChanged, builders.MergeIngress); err != nil {
		return err
	}
	p.status.URL = builders.TenantURL(p.t)
	setCondition(&p.status, p.t.Generation, v1alpha1.ConditionIngressReady, true, ReasonConfigured,
		fmt.Sprintf("routing %d domain(s)", len(p.t.Spec.Domains)))
	return nil
}

// checkHealth promotes the tenant to Active once every declared service and
// the database are ready. Endpoint probe failures only mark it Degraded.
func (p *pass) checkHealth(ctx context.Context) error {
	if p.r.Health != nil {
		report, err := p.r.Health.CheckTenantHealth(ctx, p.t)
		if err != nil {
			return err
		}
		p.dbReady = p.dbReady && report.DatabaseReady
		p.status.Database.Ready = p.dbReady
		p.status.Database.MigrationsRun = report.MigrationsRun
		if report.Healthy() {
			setCondition(&p.status, p.t.Generation, v1alpha1.ConditionHealthy, true, ReasonHealthy, "all checks passed")
		} else {
			setCondition(&p.status, p.t.Generation, v1alpha1.ConditionHealthy, false, ReasonDegraded, report.Message)
		}
	}
	p.recordUsage(ctx)

	if p.servicesReady && p.dbReady {
		p.setPhase(ctx, v1alpha1.PhaseActive)
	}
	return nil
}

// recordUsage is best effort; a failed listing keeps the previous figures.
func (p *pass) recordUsage(ctx context.Context) {
	u, err := cluster.TenantUsage(ctx, p.r.Client, p.t.Name)
	if err != nil {
		p.log.Debug("tenant_usage_failed", zap.Error(err))
		return
	}
	next := v1alpha1.ResourceMetrics{
		CPUUsage:     u.CPU.String(),
		MemoryUsage:  u.Memory.String(),
		StorageUsage: u.Storage.String(),
	}
	cur := p.status.ResourceMetrics
	if cur.CPUUsage == next.CPUUsage && cur.MemoryUsage == next.MemoryUsage && cur.StorageUsage == next.StorageUsage {
		return
	}
	now := metav1.NewTime(p.r.clock().UTC())
	next.UpdatedAt = &now
	p.status.ResourceMetrics = next
}

func (p *pass) updateRegistry(ctx context.Context) error {
	if p.r.Registry == nil {
		return nil
	}
	return p.r.Registry.UpdateServiceEndpoints(ctx, p.t)
}

// writeStatus persists the collected status if it differs from the stored one.
// A BackupReady condition this pass did not touch is taken from the stored
// object, since the backup controller writes it concurrently.
func (p *pass) writeStatus(ctx context.Context) error {
	key := client.ObjectKeyFromObject(p.t)
	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		var latest v1alpha1.Tenant
		if err := p.r.Get(ctx, key, &latest); err != nil {
			return client.IgnoreNotFound(err)
		}
		next := p.status.DeepCopy()
		if !p.backupTouched {
			meta.RemoveStatusCondition(&next.Conditions, v1alpha1.ConditionBackupReady)
			if c := meta.FindStatusCondition(latest.Status.Conditions, v1alpha1.ConditionBackupReady); c != nil {
				next.Conditions = append(next.Conditions, *c)
			}
		}
		if statusEqual(latest.Status, next) {
			return nil
		}
		now := metav1.NewTime(p.r.clock().UTC())
		next.LastReconciled = &now
		latest.Status = next
		return p.r.Status().Update(ctx, &latest)
	})
}

// finalize runs custodial cleanup and releases the finalizer.
func (r *TenantReconciler) finalize(ctx context.Context, t *v1alpha1.Tenant) error {
	if !controllerutil.ContainsFinalizer(t, v1alpha1.TenantFinalizer) {
		return nil
	}
	log := logging.FromContext(ctx)
	p := &pass{r: r, t: t, status: t.Status.DeepCopy(), log: log, backupTouched: true}
	p.setPhase(ctx, v1alpha1.PhaseTerminating)
	if err := p.writeStatus(ctx); err != nil {
		return err
	}

	if r.Registry != nil {
		if err := r.Registry.RemoveTenant(ctx, t.Name); err != nil {
			return fmt.Errorf("deregister tenant: %w", err)
		}
	}
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: cluster.TenantNamespace(t.Name)}}
	if err := r.Delete(ctx, ns); client.IgnoreNotFound(err) != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	if err := telemetry.Forget(ctx, t.Name); err != nil {
		log.Debug("telemetry_forget_failed", zap.Error(err))
	}
	metrics.ForgetTenant(t.Name)

	controllerutil.RemoveFinalizer(t, v1alpha1.TenantFinalizer)
	if err := r.Update(ctx, t); err != nil {
		return client.IgnoreNotFound(err)
	}
	log.Info("tenant_finalized")
	return nil
}

func (r *TenantReconciler) password() (string, error) {
	if r.Passwords != nil {
		return r.Passwords()
	}
	return security.GeneratePassword(passwordLength)
}

func (r *TenantReconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// tenantForObject maps a workload in a tenant namespace back to its Tenant.
func (r *TenantReconciler) tenantForObject(ctx context.Context, obj client.Object) []ctrl.Request {
	tenant := obj.GetLabels()[cluster.LabelTenant]
	if tenant == "" || cluster.TenantFromNamespace(obj.GetNamespace()) != tenant {
		return nil
	}
	ownerNS := r.Builder.Options().SystemNamespace
	var ns corev1.Namespace
	if err := r.Get(ctx, client.ObjectKey{Name: obj.GetNamespace()}, &ns); err == nil {
		if v := ns.Labels[cluster.LabelOwnerNamespace]; v != "" {
			ownerNS = v
		}
	}
	return []ctrl.Request{{NamespacedName: client.ObjectKey{Namespace: ownerNS, Name: tenant}}}
}

func (r *TenantReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Scheme == nil {
		r.Scheme = mgr.GetScheme()
	}
	if r.Recorder == nil {
		r.Recorder = mgr.GetEventRecorderFor("tenant-controller")
	}
	if r.Builder == nil {
		r.Builder = builders.New(builders.Options{})
	}
	if r.MaxConcurrentReconciles <= 0 {
		r.MaxConcurrentReconciles = 1
	}
	deleting := predicate.Funcs{
		UpdateFunc: func(e event.UpdateEvent) bool { return !e.ObjectNew.GetDeletionTimestamp().IsZero() },
	}
	managed := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetLabels()[cluster.LabelManagedBy] == cluster.ManagedByTenantplane
	})
	toTenant := handler.EnqueueRequestsFromMapFunc(r.tenantForObject)
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Tenant{}, ctrlbuilder.WithPredicates(predicate.Or(
			predicate.GenerationChangedPredicate{},
			predicate.AnnotationChangedPredicate{},
			deleting,
		))).
		Watches(&appsv1.Deployment{}, toTenant, ctrlbuilder.WithPredicates(managed)).
		Watches(&appsv1.StatefulSet{}, toTenant, ctrlbuilder.WithPredicates(managed)).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.MaxConcurrentReconciles}).
		Complete(r)
}
