package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vaheed/tenantplane/internal/backup"
	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/util"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

const defaultSchedule = "0 0 * * *"

func (a *App) backupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backup",
		Aliases: []string{"backups"},
		Short:   "Manage tenant database backups",
	}
	cmd.AddCommand(
		a.backupCreateCommand(),
		a.backupListCommand(),
		a.backupRestoreCommand(),
		a.backupDeleteCommand(),
		a.backupEnableCommand(),
		a.backupDisableCommand(),
	)
	return cmd
}

// BackupEntry is one row of backup list: a stored artifact, a command
// record, or both.
type BackupEntry struct {
	Name      string               `json:"name"`
	Status    string               `json:"status"`
	Created   time.Time            `json:"created"`
	Size      int64                `json:"size,omitempty"`
	Files     []string             `json:"files,omitempty"`
	Artifact  string               `json:"artifact,omitempty"`
	Phase     v1alpha1.BackupPhase `json:"phase,omitempty"`
	Message   string               `json:"message,omitempty"`
	Completed *metav1.Time         `json:"completed,omitempty"`
}

func (a *App) backupCreateCommand() *cobra.Command {
	var (
		tenant string
		name   string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a database backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				name = "backup-" + a.Now().UTC().Format("20060102-150405")
			}
			if !cluster.IsValidName(name) {
				return fmt.Errorf("invalid backup name %q", name)
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			req := backup.BackupRequest{BackupName: name}
			if _, err := a.mutateTenant(ctx, c, tenant, requestMutation(req)); err != nil {
				return err
			}
			a.printf("Backup %q requested for tenant %q\n", name, tenant)
			if !wait {
				return nil
			}
			rec, err := a.waitRecord(ctx, c, tenant, req, backupTimeout)
			if err != nil {
				return err
			}
			a.printf("Backup %q completed: %s\n", name, rec.Status.Artifact)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant name")
	cmd.Flags().StringVar(&name, "name", "", "Backup name (defaults to a timestamp)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the backup job to finish")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (a *App) backupRestoreCommand() *cobra.Command {
	var (
		tenant string
		name   string
		force  bool
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a tenant database from a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force && !a.confirm(fmt.Sprintf("Restore tenant %q from %q? Current data will be overwritten.", tenant, name)) {
				a.printf("Aborted\n")
				return nil
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			req := backup.RestoreRequest{BackupName: name}
			t, err := a.mutateTenant(ctx, c, tenant, requestMutation(req))
			if err != nil {
				return err
			}
			a.printf("Restore of %q requested for tenant %q\n", name, tenant)
			if !wait {
				return nil
			}
			start := a.Now()
			if _, err := a.waitRecord(ctx, c, tenant, req, restoreTimeout); err != nil {
				return err
			}
			remaining := restoreTimeout - a.Now().Sub(start)
			if remaining <= 0 {
				remaining = a.PollInterval
			}
			if err := a.waitActive(ctx, c, client.ObjectKeyFromObject(t), remaining); err != nil {
				return err
			}
			a.printf("Restore complete, tenant %q is Active\n", tenant)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant name")
	cmd.Flags().StringVar(&name, "name", "", "Backup to restore")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the restore to finish")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// requestMutation writes req into its single-slot annotation. It refuses
// when backups are disabled because the controller would drop the request.
func requestMutation(req backup.Request) func(*v1alpha1.Tenant) error {
	return func(t *v1alpha1.Tenant) error {
		if !t.Spec.Database.Backup.Enabled {
			return fmt.Errorf("backups are disabled for tenant %s; run 'tenantctl backup enable -t %s' first", t.Name, t.Name)
		}
		key := backup.Annotation(req)
		if cur := t.Annotations[key]; cur != "" && cur != req.Name() {
			return fmt.Errorf("tenant %s already has a pending %s of %q", t.Name, req.Kind(), cur)
		}
		metav1.SetMetaDataAnnotation(&t.ObjectMeta, key, req.Name())
		return nil
	}
}

// waitRecord polls the command record of req until its job finishes.
func (a *App) waitRecord(ctx context.Context, c client.Client, tenant string, req backup.Request, timeout time.Duration) (*v1alpha1.TenantBackup, error) {
	key := client.ObjectKey{Namespace: a.Namespace, Name: cluster.BackupJobName(tenant, req.Kind(), req.Name())}
	var rec v1alpha1.TenantBackup
	err := util.Poll(ctx, a.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		if err := c.Get(ctx, key, &rec); err != nil {
			if !apierrors.IsNotFound(err) {
				a.debug("backup_poll_error", zap.Error(err))
			}
			return false, nil
		}
		switch rec.Status.Phase {
		case v1alpha1.BackupSucceeded:
			return true, nil
		case v1alpha1.BackupFailed:
			return false, fmt.Errorf("%s %q failed: %s", req.Kind(), req.Name(), rec.Status.Message)
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for %s %q of tenant %s: %w", req.Kind(), req.Name(), tenant, err)
	}
	return &rec, nil
}

func (a *App) backupListCommand() *cobra.Command {
	var (
		tenant string
		output string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored backups and backup jobs of a tenant",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			entries, err := a.listBackups(ctx, c, tenant)
			if err != nil {
				return err
			}
			if ok, err := a.printStructured(entries, output); ok {
				return err
			}
			if len(entries) == 0 {
				a.printf("No backups found for tenant %q\n", tenant)
				return nil
			}
			tw := tabwriter.NewWriter(a.Out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "NAME\tAGE\tSTATUS\tSIZE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, FormatAge(e.Created, a.Now()), e.Status, formatSize(e.Size))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant name")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// listBackups merges backup records with catalog artifacts by name, newest first.
// An unreachable catalog degrades the listing to the records alone.
func (a *App) listBackups(ctx context.Context, c client.Client, tenant string) ([]BackupEntry, error) {
	var records v1alpha1.TenantBackupList
	if err := c.List(ctx, &records, client.InNamespace(a.Namespace),
		client.MatchingLabels{cluster.LabelTenant: tenant}); err != nil {
		return nil, fmt.Errorf("list backup records: %w", err)
	}
	byName := map[string]*BackupEntry{}
	for i := range records.Items {
		r := &records.Items[i]
		if r.Spec.Operation != v1alpha1.OperationBackup {
			continue
		}
		phase := r.Status.Phase
		if phase == "" {
			phase = v1alpha1.BackupPending
		}
		byName[r.Spec.BackupName] = &BackupEntry{
			Name:      r.Spec.BackupName,
			Status:    string(phase),
			Created:   r.CreationTimestamp.Time,
			Artifact:  r.Status.Artifact,
			Phase:     phase,
			Message:   r.Status.Message,
			Completed: r.Status.CompletionTime,
		}
	}

	if cat := a.catalog(ctx); cat != nil {
		arts, err := cat.List(ctx, tenant)
		if err != nil {
			fmt.Fprintf(a.Err, "Warning: backup storage unavailable: %v\n", err)
		}
		for _, art := range arts {
			e, ok := byName[art.Name]
			if !ok {
				e = &BackupEntry{Name: art.Name, Status: "Stored", Created: art.LastModified}
				byName[art.Name] = e
			}
			e.Size = art.Size
			e.Files = art.Files
		}
	}

	out := make([]BackupEntry, 0, len(byName))
	for _, e := range byName {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (a *App) catalog(ctx context.Context) backup.Catalog {
	if a.NewCatalog == nil {
		return nil
	}
	cat, err := a.NewCatalog(ctx)
	if err != nil {
		fmt.Fprintf(a.Err, "Warning: backup storage unavailable: %v\n", err)
		return nil
	}
	return cat
}

func (a *App) backupDeleteCommand() *cobra.Command {
	var (
		tenant string
		name   string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a stored backup and its record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force && !a.confirm(fmt.Sprintf("Delete backup %q of tenant %q?", name, tenant)) {
				a.printf("Aborted\n")
				return nil
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			found := false
			if cat := a.catalog(ctx); cat != nil {
				n, err := cat.Delete(ctx, tenant, name)
				switch {
				case errors.Is(err, backup.ErrArtifactNotFound):
				case err != nil:
					return fmt.Errorf("delete stored backup %s: %w", name, err)
				default:
					found = true
					a.printf("Removed %d stored object(s)\n", n)
				}
			}
			rec := &v1alpha1.TenantBackup{ObjectMeta: metav1.ObjectMeta{
				Namespace: a.Namespace,
				Name:      cluster.BackupJobName(tenant, backup.BackupRequest{}.Kind(), name),
			}}
			if err := c.Delete(ctx, rec); err != nil {
				if !apierrors.IsNotFound(err) {
					return fmt.Errorf("delete backup record %s: %w", rec.Name, err)
				}
			} else {
				found = true
			}
			if !found {
				return fmt.Errorf("backup %q of tenant %s not found", name, tenant)
			}
			a.printf("Backup %q deleted\n", name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant name")
	cmd.Flags().StringVar(&name, "name", "", "Backup name")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (a *App) backupEnableCommand() *cobra.Command {
	var (
		tenant    string
		schedule  string
		retention int32
	)
	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable scheduled backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention < 0 {
				return fmt.Errorf("retention must not be negative, got %d", retention)
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			_, err = a.mutateTenant(cmd.Context(), c, tenant, func(t *v1alpha1.Tenant) error {
				t.Spec.Database.Backup = v1alpha1.BackupSpec{Enabled: true, Schedule: schedule, RetentionDays: retention}
				return nil
			})
			if err != nil {
				return err
			}
			a.printf("Backups enabled for tenant %q (schedule %q, retention %d days)\n", tenant, schedule, retention)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant name")
	cmd.Flags().StringVar(&schedule, "schedule", defaultSchedule, "Cron schedule")
	cmd.Flags().Int32Var(&retention, "retention", 7, "Retention in days")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (a *App) backupDisableCommand() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			_, err = a.mutateTenant(cmd.Context(), c, tenant, func(t *v1alpha1.Tenant) error {
				t.Spec.Database.Backup.Enabled = false
				return nil
			})
			if err != nil {
				return err
			}
			a.printf("Backups disabled for tenant %q\n", tenant)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant name")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func formatSize(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "-"
	}
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
