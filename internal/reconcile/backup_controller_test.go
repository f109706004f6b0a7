package reconcile

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/vaheed/tenantplane/internal/backup"
	"github.com/vaheed/tenantplane/internal/builders"
	"github.com/vaheed/tenantplane/internal/metrics"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

func backupScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	Expect(corev1.AddToScheme(scheme)).To(Succeed())
	Expect(batchv1.AddToScheme(scheme)).To(Succeed())
	Expect(v1alpha1.AddToScheme(scheme)).To(Succeed())
	return scheme
}

var _ = Describe("BackupReconciler", func() {
	var (
		ctx    context.Context
		c      client.Client
		r      *BackupReconciler
		events *record.FakeRecorder
		tenant *v1alpha1.Tenant
		orch   *Orchestrator
	)

	recordKey := client.ObjectKey{Namespace: systemNS, Name: "acme-backup-nightly"}
	jobKey := client.ObjectKey{Namespace: "tenant-acme", Name: "acme-backup-nightly"}

	reconcileRecord := func() {
		_, err := r.Reconcile(ctx, ctrl.Request{NamespacedName: recordKey})
		Expect(err).NotTo(HaveOccurred())
	}
	getRecord := func() *v1alpha1.TenantBackup {
		var rec v1alpha1.TenantBackup
		Expect(c.Get(ctx, recordKey, &rec)).To(Succeed())
		return &rec
	}
	setJobStatus := func(mutate func(*batchv1.Job)) {
		var job batchv1.Job
		Expect(c.Get(ctx, jobKey, &job)).To(Succeed())
		mutate(&job)
		Expect(c.Status().Update(ctx, &job)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		scheme := backupScheme()
		tenant = &v1alpha1.Tenant{
			ObjectMeta: metav1.ObjectMeta{Name: "acme", Namespace: systemNS, Generation: 1},
			Spec: v1alpha1.TenantSpec{
				OrganizationName: "Acme Corp",
				Tier:             v1alpha1.TierStandard,
				Database: v1alpha1.DatabaseSpec{
					Type:   "postgres",
					Backup: v1alpha1.BackupSpec{Enabled: true},
				},
			},
		}
		c = fake.NewClientBuilder().
			WithScheme(scheme).
			WithStatusSubresource(&v1alpha1.Tenant{}, &v1alpha1.TenantBackup{}).
			WithObjects(tenant).
			Build()
		orch = &Orchestrator{Client: c, Scheme: scheme, Builder: builders.New(builders.Options{SystemNamespace: systemNS})}
		events = record.NewFakeRecorder(20)
		r = &BackupReconciler{Client: c, Scheme: scheme, Recorder: events, Orchestrator: orch}
	})

	Context("when a backup was submitted", func() {
		BeforeEach(func() {
			_, err := orch.Submit(ctx, tenant, backup.BackupRequest{BackupName: "nightly"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("marks the record running while the job is active", func() {
			reconcileRecord()
			rec := getRecord()
			Expect(rec.Status.Phase).To(Equal(v1alpha1.BackupRunning))
			Expect(rec.Status.JobName).To(Equal(jobKey.Name))
			Expect(rec.Status.RequestID).NotTo(BeEmpty())
			Expect(rec.Status.Artifact).To(HavePrefix("s3://"))
			Expect(rec.Status.Artifact).To(HaveSuffix("acme/nightly/"))
			Expect(rec.Status.StartTime).NotTo(BeNil())
			Expect(rec.Status.CompletionTime).To(BeNil())
		})

		It("reports success on the record and the tenant", func() {
			before := testutil.ToFloat64(metrics.BackupJobsTotal.WithLabelValues("backup", "succeeded"))
			setJobStatus(func(j *batchv1.Job) {
				j.Status.Succeeded = 1
				j.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
			})
			reconcileRecord()

			rec := getRecord()
			Expect(rec.Status.Phase).To(Equal(v1alpha1.BackupSucceeded))
			Expect(rec.Status.CompletionTime).NotTo(BeNil())

			var t v1alpha1.Tenant
			Expect(c.Get(ctx, client.ObjectKeyFromObject(tenant), &t)).To(Succeed())
			cond := meta.FindStatusCondition(t.Status.Conditions, v1alpha1.ConditionBackupReady)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Status).To(Equal(metav1.ConditionTrue))
			Expect(cond.Reason).To(Equal(ReasonBackupSucceeded))
			Expect(testutil.ToFloat64(metrics.BackupJobsTotal.WithLabelValues("backup", "succeeded"))).To(Equal(before + 1))

			By("ignoring the finished record afterwards")
			reconcileRecord()
			Expect(testutil.ToFloat64(metrics.BackupJobsTotal.WithLabelValues("backup", "succeeded"))).To(Equal(before + 1))
		})

		It("reports failure with a warning", func() {
			setJobStatus(func(j *batchv1.Job) {
				j.Status.Failed = 3
				j.Status.Conditions = []batchv1.JobCondition{{
					Type: batchv1.JobFailed, Status: corev1.ConditionTrue,
					Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit",
				}}
			})
			reconcileRecord()

			rec := getRecord()
			Expect(rec.Status.Phase).To(Equal(v1alpha1.BackupFailed))
			Expect(rec.Status.Message).To(ContainSubstring("backoff limit"))

			var t v1alpha1.Tenant
			Expect(c.Get(ctx, client.ObjectKeyFromObject(tenant), &t)).To(Succeed())
			cond := meta.FindStatusCondition(t.Status.Conditions, v1alpha1.ConditionBackupReady)
			Expect(cond).NotTo(BeNil())
			Expect(cond.Status).To(Equal(metav1.ConditionFalse))
			Expect(cond.Reason).To(Equal(ReasonJobFailed))

			Eventually(events.Events).Should(Receive(HavePrefix("Warning " + ReasonJobFailed)))
		})

		It("recreates a job that disappeared before it finished", func() {
			var job batchv1.Job
			Expect(c.Get(ctx, jobKey, &job)).To(Succeed())
			Expect(c.Delete(ctx, &job)).To(Succeed())

			reconcileRecord()
			Expect(c.Get(ctx, jobKey, &job)).To(Succeed())
			Expect(job.Annotations[builders.AnnotationCommand]).To(Equal(systemNS + "/" + recordKey.Name))
		})
	})

	It("fails a record whose tenant is gone", func() {
		rec := &v1alpha1.TenantBackup{
			ObjectMeta: metav1.ObjectMeta{Name: recordKey.Name, Namespace: systemNS},
			Spec:       v1alpha1.TenantBackupSpec{Tenant: "ghost", Operation: v1alpha1.OperationBackup, BackupName: "nightly"},
		}
		Expect(c.Create(ctx, rec)).To(Succeed())
		reconcileRecord()

		got := getRecord()
		Expect(got.Status.Phase).To(Equal(v1alpha1.BackupFailed))
		Expect(got.Status.Message).To(ContainSubstring(`"ghost"`))
	})

	It("maps jobs back to their record", func() {
		job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{
			Name:        "x",
			Annotations: map[string]string{builders.AnnotationCommand: "tenant-system/acme-backup-nightly"},
		}}
		reqs := recordForJob(ctx, job)
		Expect(reqs).To(HaveLen(1))
		Expect(reqs[0].NamespacedName).To(Equal(recordKey))

		job.Annotations[builders.AnnotationCommand] = strings.Repeat("x", 3)
		Expect(recordForJob(ctx, job)).To(BeEmpty())
	})
})
