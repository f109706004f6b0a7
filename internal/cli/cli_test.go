package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/vaheed/tenantplane/internal/backup"
	"github.com/vaheed/tenantplane/internal/cluster"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
	discoveryclient "github.com/vaheed/tenantplane/pkg/client"
	"github.com/vaheed/tenantplane/pkg/types"
)

const systemNS = "tenant-system"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	arts      []backup.Artifact
	listErr   error
	deleted   []string
	deleteErr error
}

func (f *fakeCatalog) List(_ context.Context, tenant string) ([]backup.Artifact, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []backup.Artifact
	for _, a := range f.arts {
		if a.Tenant == tenant {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeCatalog) Delete(_ context.Context, tenant, name string) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	for i, a := range f.arts {
		if a.Tenant == tenant && a.Name == name {
			f.arts = append(f.arts[:i], f.arts[i+1:]...)
			f.deleted = append(f.deleted, name)
			return len(a.Files), nil
		}
	}
	return 0, backup.ErrArtifactNotFound
}

type testEnv struct {
	app     *App
	c       client.WithWatch
	out     *bytes.Buffer
	errOut  *bytes.Buffer
	catalog *fakeCatalog
	updates *atomic.Int32
}

func newEnv(t *testing.T, funcs *interceptor.Funcs, objs ...client.Object) *testEnv {
	t.Helper()
	env := &testEnv{
		out:     &bytes.Buffer{},
		errOut:  &bytes.Buffer{},
		catalog: &fakeCatalog{},
		updates: &atomic.Int32{},
	}
	b := fake.NewClientBuilder().
		WithScheme(Scheme()).
		WithStatusSubresource(&v1alpha1.Tenant{}, &v1alpha1.TenantBackup{}).
		WithObjects(objs...)
	f := interceptor.Funcs{
		Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
			env.updates.Add(1)
			if funcs != nil && funcs.Update != nil {
				return funcs.Update(ctx, c, obj, opts...)
			}
			return c.Update(ctx, obj, opts...)
		},
	}
	if funcs != nil {
		f.Create = funcs.Create
		f.Get = funcs.Get
	}
	env.c = b.WithInterceptorFuncs(f).Build()
	env.app = &App{
		Namespace:    systemNS,
		Out:          env.out,
		Err:          env.errOut,
		In:           strings.NewReader(""),
		NewClient:    func() (client.Client, error) { return env.c, nil },
		NewCatalog:   func(context.Context) (backup.Catalog, error) { return env.catalog, nil },
		NewDiscovery: discoveryclient.New,
		PollInterval: 5 * time.Millisecond,
		Now:          func() time.Time { return fixedNow },
	}
	return env
}

func (e *testEnv) run(args ...string) error {
	root := NewRootCommand(e.app)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func (e *testEnv) tenant(t *testing.T, name string) *v1alpha1.Tenant {
	t.Helper()
	var out v1alpha1.Tenant
	require.NoError(t, e.c.Get(context.Background(), client.ObjectKey{Namespace: systemNS, Name: name}, &out))
	return &out
}

func seedTenant(mutate ...func(*v1alpha1.Tenant)) *v1alpha1.Tenant {
	t := &v1alpha1.Tenant{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "acme",
			Namespace:         systemNS,
			CreationTimestamp: metav1.NewTime(fixedNow.Add(-3 * time.Hour)),
		},
		Spec: v1alpha1.TenantSpec{
			OrganizationName: "Acme Corp",
			Tier:             v1alpha1.TierStandard,
			Services: []v1alpha1.ServiceSpec{
				{Name: "api", Version: "1.0.0", Replicas: 2},
				{Name: "worker", Version: "1.0.0", Replicas: 1},
			},
			Database: v1alpha1.DatabaseSpec{
				Type:    "postgres",
				Version: "15",
				Backup:  v1alpha1.BackupSpec{Enabled: true, Schedule: defaultSchedule, RetentionDays: 7},
			},
		},
	}
	for _, m := range mutate {
		m(t)
	}
	return t
}

func TestTenantCreateFromFlags(t *testing.T) {
	env := newEnv(t, nil)
	err := env.run("tenant", "create", "globex", "--org", "Globex", "--tier", "Premium",
		"--services", "api:2.1.0:3,worker:2.1.0", "--domains", "globex.example.com")
	require.NoError(t, err)

	got := env.tenant(t, "globex")
	assert.Equal(t, "Globex", got.Spec.OrganizationName)
	assert.Equal(t, v1alpha1.TierPremium, got.Spec.Tier)
	assert.Equal(t, []v1alpha1.ServiceSpec{
		{Name: "api", Version: "2.1.0", Replicas: 3},
		{Name: "worker", Version: "2.1.0", Replicas: 1},
	}, got.Spec.Services)
	assert.Equal(t, []string{"globex.example.com"}, got.Spec.Domains)
	assert.Equal(t, "postgres", got.Spec.Database.Type)
	assert.Equal(t, "500m", got.Spec.Resources.CPURequest)
	assert.Equal(t, "10Gi", got.Spec.Resources.Storage)
	assert.Contains(t, env.out.String(), `Tenant "globex" created in namespace tenant-system`)
}

func TestTenantCreateRejectsBadInput(t *testing.T) {
	env := newEnv(t, nil, seedTenant())

	err := env.run("tenant", "create", "Bad_Name", "--org", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lowercase alphanumeric")

	err = env.run("tenant", "create", "globex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--org is required")

	err = env.run("tenant", "create", "globex", "--org", "Globex", "--tier", "gold")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tier "gold"`)

	err = env.run("tenant", "create", "globex", "--org", "Globex", "--services", "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name:version")

	err = env.run("tenant", "create", "acme", "--org", "Acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestTenantCreateFromManifest(t *testing.T) {
	manifest := `
metadata:
  name: initech
spec:
  organizationName: Initech
  tier: starter
  services:
  - name: api
    version: 0.9.0
    replicas: 1
  database:
    type: mysql
`
	path := filepath.Join(t.TempDir(), "initech.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))

	env := newEnv(t, nil)
	require.NoError(t, env.run("tenant", "create", "-f", path, "-o", "json"))

	got := env.tenant(t, "initech")
	assert.Equal(t, "mysql", got.Spec.Database.Type)
	assert.Equal(t, v1alpha1.TierStarter, got.Spec.Tier)

	var printed v1alpha1.Tenant
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &printed))
	assert.Equal(t, "initech", printed.Name)
	assert.Equal(t, systemNS, printed.Namespace)
}

// activateOnCreate makes the fake cluster report a phase right after creation.
func activateOnCreate(phase v1alpha1.Phase, message string) *interceptor.Funcs {
	return &interceptor.Funcs{
		Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			if err := c.Create(ctx, obj, opts...); err != nil {
				return err
			}
			if _, ok := obj.(*v1alpha1.Tenant); !ok {
				return nil
			}
			t := &v1alpha1.Tenant{}
			if err := c.Get(ctx, client.ObjectKeyFromObject(obj), t); err != nil {
				return err
			}
			t.Status.Phase = phase
			t.Status.ObservedGeneration = t.Generation
			t.Status.Conditions = []metav1.Condition{{
				Type: v1alpha1.ConditionReady, Status: metav1.ConditionFalse,
				Reason: "InvalidSpec", Message: message, LastTransitionTime: metav1.NewTime(fixedNow),
			}}
			return c.Status().Update(ctx, t)
		},
	}
}

func TestTenantCreateWaits(t *testing.T) {
	env := newEnv(t, activateOnCreate(v1alpha1.PhaseActive, ""))
	require.NoError(t, env.run("tenant", "create", "globex", "--org", "Globex", "--wait"))
	assert.Contains(t, env.out.String(), `Tenant "globex" is Active`)

	env = newEnv(t, activateOnCreate(v1alpha1.PhaseFailed, "quota exceeded"))
	err := env.run("tenant", "create", "globex", "--org", "Globex", "--wait")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestTenantListAndGet(t *testing.T) {
	other := seedTenant(func(t *v1alpha1.Tenant) {
		t.Name = "globex"
		t.Labels = map[string]string{"region": "eu"}
		t.Spec.OrganizationName = "Globex"
	})
	elsewhere := seedTenant(func(t *v1alpha1.Tenant) { t.Namespace = "staging" })
	active := seedTenant(func(t *v1alpha1.Tenant) {
		t.Status.Phase = v1alpha1.PhaseActive
		t.Status.Services = []v1alpha1.ServiceStatus{{Name: "api", Ready: true, ReadyReplicas: 2, Replicas: 2, Version: "1.0.0"}}
	})
	env := newEnv(t, nil, active, other, elsewhere)

	require.NoError(t, env.run("tenant", "list"))
	out := env.out.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Acme Corp")
	assert.Contains(t, out, "Globex")
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "3h")
	assert.NotContains(t, out, "staging")

	env.out.Reset()
	require.NoError(t, env.run("tenant", "list", "-A", "-o", "json"))
	var all []v1alpha1.Tenant
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &all))
	assert.Len(t, all, 3)

	env.out.Reset()
	require.NoError(t, env.run("tenant", "list", "-l", "region=eu", "-o", "yaml"))
	assert.Contains(t, env.out.String(), "name: globex")
	assert.NotContains(t, env.out.String(), "name: acme")

	env.out.Reset()
	require.NoError(t, env.run("tenant", "get", "acme"))
	detail := env.out.String()
	assert.Contains(t, detail, "Organization:   Acme Corp")
	assert.Contains(t, detail, "Phase:          Active")
	assert.Contains(t, detail, "2/2 replicas  Ready")
	assert.Contains(t, detail, "0/1 replicas  NotReady")
	assert.Contains(t, detail, "Last Backup:  Never")

	err := env.run("tenant", "get", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tenant "ghost" not found`)
}

func TestTenantUpdate(t *testing.T) {
	env := newEnv(t, nil, seedTenant())
	require.NoError(t, env.run("tenant", "update", "acme", "--tier", "premium", "--replicas", "api=4"))

	got := env.tenant(t, "acme")
	assert.Equal(t, v1alpha1.TierPremium, got.Spec.Tier)
	svc, _ := got.Spec.Service("api")
	assert.Equal(t, int32(4), svc.Replicas)

	err := env.run("tenant", "update", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")

	err = env.run("tenant", "update", "acme", "--replicas", "billing=2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `service "billing" not found`)
}

// bumpGeneration stands in for the API server, which the fake client does not
// emulate: a tenant update advances metadata.generation.
func bumpGeneration(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
	if _, ok := obj.(*v1alpha1.Tenant); ok {
		var cur v1alpha1.Tenant
		if err := c.Get(ctx, client.ObjectKeyFromObject(obj), &cur); err != nil {
			return err
		}
		obj.SetGeneration(cur.Generation + 1)
	}
	return c.Update(ctx, obj, opts...)
}

func TestTenantUpdateWaitRecoversFromFailed(t *testing.T) {
	failed := seedTenant(func(t *v1alpha1.Tenant) {
		t.Generation = 1
		t.Status.Phase = v1alpha1.PhaseFailed
		t.Status.ObservedGeneration = 1
		t.Status.Conditions = []metav1.Condition{{
			Type: v1alpha1.ConditionReady, Status: metav1.ConditionFalse,
			Reason: "InvalidSpec", Message: "unknown tier", LastTransitionTime: metav1.NewTime(fixedNow),
		}}
	})

	// The controller catches up with the new generation after a few polls.
	var stalePolls atomic.Int32
	funcs := &interceptor.Funcs{
		Update: bumpGeneration,
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			if err := c.Get(ctx, key, obj, opts...); err != nil {
				return err
			}
			tn, ok := obj.(*v1alpha1.Tenant)
			if !ok || tn.Status.ObservedGeneration >= tn.Generation {
				return nil
			}
			if stalePolls.Add(1) < 3 {
				return nil
			}
			tn.Status.Phase = v1alpha1.PhaseActive
			tn.Status.ObservedGeneration = tn.Generation
			if err := c.Status().Update(ctx, tn); err != nil {
				return err
			}
			return c.Get(ctx, key, obj, opts...)
		},
	}
	env := newEnv(t, funcs, failed)

	require.NoError(t, env.run("tenant", "update", "acme", "--tier", "premium", "--wait"))
	assert.GreaterOrEqual(t, stalePolls.Load(), int32(3))
	got := env.tenant(t, "acme")
	assert.Equal(t, v1alpha1.PhaseActive, got.Status.Phase)
	assert.Equal(t, v1alpha1.TierPremium, got.Spec.Tier)
}

func TestTenantUpdateWaitFailsAtObservedGeneration(t *testing.T) {
	funcs := &interceptor.Funcs{
		Update: bumpGeneration,
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			if err := c.Get(ctx, key, obj, opts...); err != nil {
				return err
			}
			tn, ok := obj.(*v1alpha1.Tenant)
			if !ok || tn.Status.ObservedGeneration >= tn.Generation {
				return nil
			}
			tn.Status.Phase = v1alpha1.PhaseFailed
			tn.Status.ObservedGeneration = tn.Generation
			tn.Status.Conditions = []metav1.Condition{{
				Type: v1alpha1.ConditionReady, Status: metav1.ConditionFalse,
				Reason: "InvalidSpec", Message: "replicas must not be negative", LastTransitionTime: metav1.NewTime(fixedNow),
			}}
			if err := c.Status().Update(ctx, tn); err != nil {
				return err
			}
			return c.Get(ctx, key, obj, opts...)
		},
	}
	env := newEnv(t, funcs, seedTenant(func(t *v1alpha1.Tenant) { t.Generation = 1 }))

	err := env.run("tenant", "update", "acme", "--tier", "premium", "--wait")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replicas must not be negative")
}

func TestTenantScaleIsOneUpdate(t *testing.T) {
	seeded := seedTenant(func(t *v1alpha1.Tenant) {
		t.Status.Services = []v1alpha1.ServiceStatus{
			{Name: "api", Ready: true, ReadyReplicas: 5, Replicas: 5},
			{Name: "worker", Ready: false, ReadyReplicas: 0, Replicas: 0},
		}
	})
	env := newEnv(t, nil, seeded)
	require.NoError(t, env.run("tenant", "scale", "acme", "api=5", "worker=0", "--wait"))

	assert.Equal(t, int32(1), env.updates.Load())
	got := env.tenant(t, "acme")
	api, _ := got.Spec.Service("api")
	worker, _ := got.Spec.Service("worker")
	assert.Equal(t, int32(5), api.Replicas)
	assert.Equal(t, int32(0), worker.Replicas)
	assert.Contains(t, env.out.String(), "Scaled acme/api to 5 replicas")

	err := env.run("tenant", "scale", "acme", "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVICE=N")
}

func TestTenantScaleWaitTimesOut(t *testing.T) {
	env := newEnv(t, nil, seedTenant())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	root := NewRootCommand(env.app)
	root.SetArgs([]string{"tenant", "scale", "acme", "api=5", "--wait"})
	err := root.ExecuteContext(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTenantUpgrade(t *testing.T) {
	env := newEnv(t, nil, seedTenant())
	require.NoError(t, env.run("tenant", "upgrade", "acme", "--all", "--version", "2.0.0", "--strategy", "recreate"))

	got := env.tenant(t, "acme")
	for _, s := range got.Spec.Services {
		assert.Equal(t, "2.0.0", s.Version, s.Name)
	}
	assert.Equal(t, "recreate", got.Annotations[v1alpha1.UpgradeStrategyAnnotation])
	assert.Equal(t, fixedNow.Format(time.RFC3339), got.Annotations[v1alpha1.UpgradeTimeAnnotation])

	require.NoError(t, env.run("tenant", "upgrade", "acme", "--service", "api", "--version", "2.1.0"))
	got = env.tenant(t, "acme")
	api, _ := got.Spec.Service("api")
	worker, _ := got.Spec.Service("worker")
	assert.Equal(t, "2.1.0", api.Version)
	assert.Equal(t, "2.0.0", worker.Version)
	assert.Equal(t, "rolling", got.Annotations[v1alpha1.UpgradeStrategyAnnotation])

	for _, args := range [][]string{
		{"tenant", "upgrade", "acme", "--version", "3"},
		{"tenant", "upgrade", "acme", "--all", "--service", "api", "--version", "3"},
		{"tenant", "upgrade", "acme", "--service", "billing", "--version", "3"},
		{"tenant", "upgrade", "acme", "--all", "--version", "3", "--strategy", "bluegreen"},
		{"tenant", "upgrade", "acme", "--all"},
	} {
		assert.Error(t, env.run(args...), strings.Join(args, " "))
	}
}

func TestTenantDelete(t *testing.T) {
	env := newEnv(t, nil, seedTenant())
	env.app.In = strings.NewReader("n\n")
	require.NoError(t, env.run("tenant", "delete", "acme"))
	assert.Contains(t, env.out.String(), "Aborted")
	env.tenant(t, "acme")

	env.app.In = strings.NewReader("yes\n")
	require.NoError(t, env.run("tenant", "delete", "acme", "--wait"))
	err := env.c.Get(context.Background(), client.ObjectKey{Namespace: systemNS, Name: "acme"}, &v1alpha1.Tenant{})
	assert.True(t, apierrors.IsNotFound(err))
	assert.Contains(t, env.out.String(), `Tenant "acme" deleted`)

	err = env.run("tenant", "delete", "acme", "--force")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTenantEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tenants/acme/endpoints" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]types.ServiceEndpoint{{
			Service: "acme-api-svc", Tenant: "acme", Address: "10.0.0.7", Port: 8080,
			Health: types.HealthStatus{Status: types.HealthHealthy},
		}})
	}))
	t.Cleanup(srv.Close)

	env := newEnv(t, nil)
	require.NoError(t, env.run("tenant", "endpoints", "acme", "--discovery-url", srv.URL))
	assert.Contains(t, env.out.String(), "10.0.0.7")
	assert.Contains(t, env.out.String(), "healthy")

	err := env.run("tenant", "endpoints", "ghost", "--discovery-url", srv.URL)
	require.Error(t, err)
	assert.True(t, discoveryclient.IsNotFound(errors.Unwrap(err)))
}

func backupRecord(op v1alpha1.BackupOperation, name string, phase v1alpha1.BackupPhase, created time.Time) *v1alpha1.TenantBackup {
	kind := "backup"
	if op == v1alpha1.OperationRestore {
		kind = "restore"
	}
	return &v1alpha1.TenantBackup{
		ObjectMeta: metav1.ObjectMeta{
			Name:              cluster.BackupJobName("acme", kind, name),
			Namespace:         systemNS,
			Labels:            cluster.TenantLabels("acme"),
			CreationTimestamp: metav1.NewTime(created),
		},
		Spec: v1alpha1.TenantBackupSpec{Tenant: "acme", Operation: op, BackupName: name},
		Status: v1alpha1.TenantBackupStatus{
			Phase:    phase,
			Artifact: "s3://bucket/acme/" + name + "/",
			Message:  "job finished",
		},
	}
}

func TestBackupCreate(t *testing.T) {
	env := newEnv(t, nil, seedTenant(), backupRecord(v1alpha1.OperationBackup, "nightly", v1alpha1.BackupSucceeded, fixedNow))
	require.NoError(t, env.run("backup", "create", "-t", "acme", "--name", "nightly", "--wait"))
	assert.Equal(t, "nightly", env.tenant(t, "acme").Annotations[v1alpha1.BackupRequestAnnotation])
	assert.Contains(t, env.out.String(), "s3://bucket/acme/nightly/")

	env = newEnv(t, nil, seedTenant())
	require.NoError(t, env.run("backup", "create", "-t", "acme"))
	assert.Equal(t, "backup-20260301-120000", env.tenant(t, "acme").Annotations[v1alpha1.BackupRequestAnnotation])

	err := env.run("backup", "create", "-t", "acme", "--name", "other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a pending backup")

	env = newEnv(t, nil, seedTenant(func(t *v1alpha1.Tenant) { t.Spec.Database.Backup.Enabled = false }))
	err = env.run("backup", "create", "-t", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backups are disabled")

	err = env.run("backup", "create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"tenant"`)
}

func TestBackupCreateWaitReportsJobFailure(t *testing.T) {
	env := newEnv(t, nil, seedTenant(), backupRecord(v1alpha1.OperationBackup, "nightly", v1alpha1.BackupFailed, fixedNow))
	err := env.run("backup", "create", "-t", "acme", "--name", "nightly", "--wait")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `backup "nightly" failed: job finished`)
}

func TestBackupRestore(t *testing.T) {
	active := seedTenant(func(t *v1alpha1.Tenant) { t.Status.Phase = v1alpha1.PhaseActive })
	env := newEnv(t, nil, active, backupRecord(v1alpha1.OperationRestore, "nightly", v1alpha1.BackupSucceeded, fixedNow))

	env.app.In = strings.NewReader("\n")
	require.NoError(t, env.run("backup", "restore", "-t", "acme", "--name", "nightly"))
	assert.Empty(t, env.tenant(t, "acme").Annotations[v1alpha1.RestoreRequestAnnotation])

	require.NoError(t, env.run("backup", "restore", "-t", "acme", "--name", "nightly", "--force", "--wait"))
	assert.Equal(t, "nightly", env.tenant(t, "acme").Annotations[v1alpha1.RestoreRequestAnnotation])
	assert.Contains(t, env.out.String(), `Restore complete, tenant "acme" is Active`)
}

func TestBackupListMergesCatalogAndRecords(t *testing.T) {
	env := newEnv(t, nil,
		seedTenant(),
		backupRecord(v1alpha1.OperationBackup, "nightly", v1alpha1.BackupSucceeded, fixedNow.Add(-2*time.Hour)),
		backupRecord(v1alpha1.OperationBackup, "adhoc", v1alpha1.BackupRunning, fixedNow.Add(-time.Minute)),
		backupRecord(v1alpha1.OperationRestore, "nightly", v1alpha1.BackupSucceeded, fixedNow),
	)
	env.catalog.arts = []backup.Artifact{
		{Tenant: "acme", Name: "nightly", Files: []string{"metadata.json", "dump.sql.gz"}, Size: 3 << 20, LastModified: fixedNow.Add(-2 * time.Hour)},
		{Tenant: "acme", Name: "imported", Files: []string{"dump.sql.gz"}, Size: 512, LastModified: fixedNow.Add(-72 * time.Hour)},
		{Tenant: "globex", Name: "nightly", Size: 1},
	}

	require.NoError(t, env.run("backup", "list", "-t", "acme", "-o", "json"))
	var entries []BackupEntry
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "adhoc", entries[0].Name)
	assert.Equal(t, "Running", entries[0].Status)
	assert.Equal(t, "nightly", entries[1].Name)
	assert.Equal(t, "Succeeded", entries[1].Status)
	assert.Equal(t, int64(3<<20), entries[1].Size)
	assert.Equal(t, "imported", entries[2].Name)
	assert.Equal(t, "Stored", entries[2].Status)

	env.out.Reset()
	require.NoError(t, env.run("backup", "list", "-t", "acme"))
	table := env.out.String()
	assert.Contains(t, table, "NAME")
	assert.Contains(t, table, "3.0MiB")
	assert.Contains(t, table, "3d")

	env.out.Reset()
	env.catalog.listErr = errors.New("no credentials")
	require.NoError(t, env.run("backup", "list", "-t", "acme", "-o", "json"))
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &entries))
	assert.Len(t, entries, 2)
	assert.Contains(t, env.errOut.String(), "no credentials")
}

func TestBackupDelete(t *testing.T) {
	env := newEnv(t, nil, seedTenant(), backupRecord(v1alpha1.OperationBackup, "nightly", v1alpha1.BackupSucceeded, fixedNow))
	env.catalog.arts = []backup.Artifact{{Tenant: "acme", Name: "nightly", Files: []string{"a", "b"}}}

	require.NoError(t, env.run("backup", "delete", "-t", "acme", "--name", "nightly", "--force"))
	assert.Equal(t, []string{"nightly"}, env.catalog.deleted)
	err := env.c.Get(context.Background(), client.ObjectKey{Namespace: systemNS, Name: "acme-backup-nightly"}, &v1alpha1.TenantBackup{})
	assert.True(t, apierrors.IsNotFound(err))
	assert.Contains(t, env.out.String(), "Removed 2 stored object(s)")

	err = env.run("backup", "delete", "-t", "acme", "--name", "nightly", "--force")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	env.catalog.deleteErr = errors.New("access denied")
	err = env.run("backup", "delete", "-t", "acme", "--name", "weekly", "--force")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestBackupEnableDisable(t *testing.T) {
	env := newEnv(t, nil, seedTenant(func(t *v1alpha1.Tenant) { t.Spec.Database.Backup = v1alpha1.BackupSpec{} }))
	require.NoError(t, env.run("backup", "enable", "-t", "acme", "--schedule", "0 3 * * *", "--retention", "30"))
	assert.Equal(t, v1alpha1.BackupSpec{Enabled: true, Schedule: "0 3 * * *", RetentionDays: 30},
		env.tenant(t, "acme").Spec.Database.Backup)

	require.NoError(t, env.run("backup", "disable", "-t", "acme"))
	got := env.tenant(t, "acme").Spec.Database.Backup
	assert.False(t, got.Enabled)
	assert.Equal(t, "0 3 * * *", got.Schedule)

	assert.Error(t, env.run("backup", "enable", "-t", "acme", "--retention", "-1"))
}

func TestVersion(t *testing.T) {
	env := newEnv(t, nil)
	require.NoError(t, env.run("version"))
	assert.Equal(t, "tenantctl dev\n", env.out.String())
}
