package builders

import (
	"fmt"
	"strconv"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/vaheed/tenantplane/internal/backup"
	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

const (
	// AnnotationCommand points a job back at the TenantBackup it executes (<namespace>/<name>).
	AnnotationCommand = "tenantplane.io/command"
	LabelOperation    = "tenantplane.io/operation"

	backupMount       = "/backup"
	jobBackoffLimit   = int32(2)
	jobTTLAfterFinish = int32(7 * 24 * 3600)
	defaultRetention  = int32(7)
)

// ArtifactURL is the object-store location of a named backup.
func (b *Builder) ArtifactURL(tenant, name string) string {
	return fmt.Sprintf("s3://%s/%s", b.opts.BackupBucket, backup.ArtifactPrefix(tenant, name))
}

// BackupJob dumps the database into a compressed file plus metadata.json and
// uploads both under the artifact prefix of the request.
func (b *Builder) BackupJob(t *v1alpha1.Tenant, req backup.BackupRequest, command, requestID string) (*batchv1.Job, error) {
	engine, ok := LookupEngine(t.Spec.Database.Type)
	if !ok {
		return nil, fmt.Errorf("unsupported database type %q", t.Spec.Database.Type)
	}
	dump := strings.Join([]string{
		"set -e",
		"TS=$(date -u +%Y%m%d_%H%M%S)",
		fmt.Sprintf(`FILE=%s/%s_${DB_NAME}_${TS}.sql.gz`, backupMount, engine.Tool),
		fmt.Sprintf(`%s | gzip > "$FILE"`, engine.DumpCommand),
		`SIZE=$(wc -c < "$FILE")`,
		`printf '{"date":"%s","database":"%s","source":"%s","size":%s,"retentionDays":%s,"type":"full","compression":"gzip"}\n' ` +
			fmt.Sprintf(`"$TS" "$DB_NAME" "$TENANT_ID" "$SIZE" "$RETENTION_DAYS" > %s/metadata.json`, backupMount),
	}, "\n")
	upload := fmt.Sprintf("aws s3 cp %s/ %s --recursive", backupMount, b.ArtifactURL(t.Name, req.Name()))

	job := b.job(t, req, command, requestID)
	spec := &job.Spec.Template.Spec
	spec.InitContainers = []corev1.Container{{
		Name:         "dump",
		Image:        engine.ImageFor(t.Spec.Database.Version),
		Command:      []string{"sh", "-c", dump},
		Env:          b.databaseClientEnv(t, engine, req.Name()),
		VolumeMounts: []corev1.VolumeMount{{Name: "backup", MountPath: backupMount}},
	}}
	spec.Containers = []corev1.Container{{
		Name:         "upload",
		Image:        b.opts.UploaderImage,
		Command:      []string{"sh", "-c", upload},
		Env:          b.awsEnv(),
		VolumeMounts: []corev1.VolumeMount{{Name: "backup", MountPath: backupMount}},
	}}
	return job, nil
}

// RestoreJob downloads the artifact prefix and streams the dump into the database.
func (b *Builder) RestoreJob(t *v1alpha1.Tenant, req backup.RestoreRequest, command, requestID string) (*batchv1.Job, error) {
	engine, ok := LookupEngine(t.Spec.Database.Type)
	if !ok {
		return nil, fmt.Errorf("unsupported database type %q", t.Spec.Database.Type)
	}
	download := fmt.Sprintf("aws s3 cp %s %s/ --recursive", b.ArtifactURL(t.Name, req.Name()), backupMount)
	restore := strings.Join([]string{
		"set -e",
		fmt.Sprintf(`FILE=$(ls %s/*.sql.gz | head -n 1)`, backupMount),
		`[ -n "$FILE" ] || { echo "no artifact found" >&2; exit 1; }`,
		fmt.Sprintf(`gunzip -c "$FILE" | %s`, engine.RestoreCommand),
	}, "\n")

	job := b.job(t, req, command, requestID)
	spec := &job.Spec.Template.Spec
	spec.InitContainers = []corev1.Container{{
		Name:         "download",
		Image:        b.opts.UploaderImage,
		Command:      []string{"sh", "-c", download},
		Env:          b.awsEnv(),
		VolumeMounts: []corev1.VolumeMount{{Name: "backup", MountPath: backupMount}},
	}}
	spec.Containers = []corev1.Container{{
		Name:         "restore",
		Image:        engine.ImageFor(t.Spec.Database.Version),
		Command:      []string{"sh", "-c", restore},
		Env:          b.databaseClientEnv(t, engine, req.Name()),
		VolumeMounts: []corev1.VolumeMount{{Name: "backup", MountPath: backupMount}},
	}}
	return job, nil
}

// JobFor dispatches on the request variant.
func (b *Builder) JobFor(t *v1alpha1.Tenant, req backup.Request, command, requestID string) (*batchv1.Job, error) {
	switch r := req.(type) {
	case backup.BackupRequest:
		return b.BackupJob(t, r, command, requestID)
	case backup.RestoreRequest:
		return b.RestoreJob(t, r, command, requestID)
	default:
		return nil, fmt.Errorf("unknown request %T", req)
	}
}

func (b *Builder) job(t *v1alpha1.Tenant, req backup.Request, command, requestID string) *batchv1.Job {
	labels := componentLabels(t.Name, "backup")
	labels[LabelOperation] = req.Kind()
	if requestID != "" {
		labels[cluster.LabelRequestID] = requestID
	}
	backoff := jobBackoffLimit
	ttl := jobTTLAfterFinish
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        cluster.BackupJobName(t.Name, req.Kind(), req.Name()),
			Namespace:   cluster.TenantNamespace(t.Name),
			Labels:      labels,
			Annotations: map[string]string{AnnotationCommand: command},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Volumes: []corev1.Volume{{
						Name:         "backup",
						VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
					}},
				},
			},
		},
	}
}

func (b *Builder) databaseClientEnv(t *v1alpha1.Tenant, engine Engine, name string) []corev1.EnvVar {
	secret := cluster.DatabaseSecretName(t.Name)
	retention := t.Spec.Database.Backup.RetentionDays
	if retention <= 0 {
		retention = defaultRetention
	}
	return []corev1.EnvVar{
		{Name: "TENANT_ID", Value: t.Name},
		{Name: "BACKUP_NAME", Value: name},
		{Name: "RETENTION_DAYS", Value: strconv.Itoa(int(retention))},
		{Name: "DB_HOST", Value: cluster.DatabaseHost(t.Name)},
		{Name: "DB_PORT", Value: strconv.Itoa(int(engine.Port))},
		{Name: "DB_NAME", Value: cluster.DatabaseName(t.Name)},
		secretEnv("DB_USER", secret, "username"),
		secretEnv(engine.PasswordEnv, secret, "password"),
	}
}

func (b *Builder) awsEnv() []corev1.EnvVar {
	optional := true
	region := secretEnv("AWS_DEFAULT_REGION", b.opts.AWSSecret, "region")
	region.ValueFrom.SecretKeyRef.Optional = &optional
	return []corev1.EnvVar{
		secretEnv("AWS_ACCESS_KEY_ID", b.opts.AWSSecret, "access-key-id"),
		secretEnv("AWS_SECRET_ACCESS_KEY", b.opts.AWSSecret, "secret-access-key"),
		region,
	}
}
