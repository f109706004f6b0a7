package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/reconcile"
	"github.com/vaheed/tenantplane/internal/util"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
	"github.com/vaheed/tenantplane/pkg/types"
)

func (a *App) tenantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tenant",
		Aliases: []string{"tenants", "t"},
		Short:   "Manage tenants",
	}
	cmd.AddCommand(
		a.tenantCreateCommand(),
		a.tenantListCommand(),
		a.tenantGetCommand(),
		a.tenantUpdateCommand(),
		a.tenantDeleteCommand(),
		a.tenantScaleCommand(),
		a.tenantUpgradeCommand(),
		a.tenantEndpointsCommand(),
	)
	return cmd
}

type createOptions struct {
	file          string
	org           string
	tier          string
	domains       []string
	services      []string
	dbType        string
	dbVersion     string
	cpuRequest    string
	cpuLimit      string
	memoryRequest string
	memoryLimit   string
	storage       string
	wait          bool
	output        string
}

func (a *App) tenantCreateCommand() *cobra.Command {
	o := &createOptions{}
	cmd := &cobra.Command{
		Use:   "create [NAME]",
		Short: "Create a tenant from flags or a manifest",
		Example: `  tenantctl tenant create acme --org "Acme Corp" --services api:1.4.0:2,worker:1.4.0
  tenantctl tenant create -f acme.yaml --wait`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := o.tenant(a.Namespace, args)
			if err != nil {
				return err
			}
			if err := reconcile.Validate(t); err != nil {
				return fmt.Errorf("invalid tenant: %w", err)
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a.debug("tenant_create", zap.String("tenant", t.Name), zap.String("namespace", t.Namespace))
			if err := c.Create(ctx, t); err != nil {
				if apierrors.IsAlreadyExists(err) {
					return fmt.Errorf("tenant %q already exists in namespace %s", t.Name, t.Namespace)
				}
				return fmt.Errorf("create tenant %s: %w", t.Name, err)
			}
			if ok, err := a.printStructured(t, o.output); ok {
				return err
			}
			a.printf("Tenant %q created in namespace %s\n", t.Name, t.Namespace)
			if !o.wait {
				return nil
			}
			a.printf("Waiting for tenant to become Active...\n")
			if err := a.waitActive(ctx, c, client.ObjectKeyFromObject(t), createTimeout); err != nil {
				return err
			}
			a.printf("Tenant %q is Active\n", t.Name)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", "Tenant manifest (yaml or json)")
	f.StringVar(&o.org, "org", "", "Organization name")
	f.StringVar(&o.tier, "tier", string(v1alpha1.TierStandard), "Tier (starter, standard, professional, premium, enterprise)")
	f.StringSliceVar(&o.domains, "domains", nil, "Domains routed to the tenant gateway")
	f.StringSliceVar(&o.services, "services", nil, "Services as name:version[:replicas]")
	f.StringVar(&o.dbType, "db-type", "postgres", "Database engine")
	f.StringVar(&o.dbVersion, "db-version", "", "Database version (engine default when empty)")
	f.StringVar(&o.cpuRequest, "cpu-request", "500m", "CPU request per service replica")
	f.StringVar(&o.cpuLimit, "cpu-limit", "1000m", "CPU limit per service replica")
	f.StringVar(&o.memoryRequest, "memory-request", "512Mi", "Memory request per service replica")
	f.StringVar(&o.memoryLimit, "memory-limit", "1Gi", "Memory limit per service replica")
	f.StringVar(&o.storage, "storage", "10Gi", "Database volume size")
	f.BoolVar(&o.wait, "wait", false, "Wait until the tenant is Active")
	f.StringVarP(&o.output, "output", "o", "", "Output format (json, yaml)")
	return cmd
}

// tenant builds the object to create. A manifest wins over flags; a name
// argument overrides the manifest's name.
func (o *createOptions) tenant(namespace string, args []string) (*v1alpha1.Tenant, error) {
	var t *v1alpha1.Tenant
	if o.file != "" {
		loaded, err := loadTenantFile(o.file)
		if err != nil {
			return nil, err
		}
		t = loaded
	} else {
		if o.org == "" {
			return nil, errors.New("--org is required when no manifest is given")
		}
		t = &v1alpha1.Tenant{Spec: v1alpha1.TenantSpec{
			OrganizationName: o.org,
			Tier:             v1alpha1.Tier(strings.ToLower(o.tier)),
			Domains:          o.domains,
			Resources: v1alpha1.ResourceRequirements{
				CPURequest:    o.cpuRequest,
				CPULimit:      o.cpuLimit,
				MemoryRequest: o.memoryRequest,
				MemoryLimit:   o.memoryLimit,
				Storage:       o.storage,
			},
			Database: v1alpha1.DatabaseSpec{Type: o.dbType, Version: o.dbVersion},
		}}
		for _, s := range o.services {
			svc, err := ParseServiceFlag(s)
			if err != nil {
				return nil, err
			}
			t.Spec.Services = append(t.Spec.Services, svc)
		}
	}
	if len(args) == 1 {
		t.Name = args[0]
	}
	if t.Name == "" {
		return nil, errors.New("tenant name is required")
	}
	if !cluster.IsValidName(t.Name) {
		return nil, fmt.Errorf("invalid tenant name %q: must be lowercase alphanumeric with internal hyphens", t.Name)
	}
	if t.Namespace == "" {
		t.Namespace = namespace
	}
	return t, nil
}

func loadTenantFile(path string) (*v1alpha1.Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var t v1alpha1.Tenant
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &t, nil
}

func (a *App) tenantListCommand() *cobra.Command {
	var (
		allNamespaces bool
		selector      string
		output        string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tenants",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []client.ListOption{}
			if !allNamespaces {
				opts = append(opts, client.InNamespace(a.Namespace))
			}
			if selector != "" {
				sel, err := labels.Parse(selector)
				if err != nil {
					return fmt.Errorf("invalid selector %q: %w", selector, err)
				}
				opts = append(opts, client.MatchingLabelsSelector{Selector: sel})
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			var list v1alpha1.TenantList
			if err := c.List(cmd.Context(), &list, opts...); err != nil {
				return fmt.Errorf("list tenants: %w", err)
			}
			sort.Slice(list.Items, func(i, j int) bool {
				if list.Items[i].Namespace != list.Items[j].Namespace {
					return list.Items[i].Namespace < list.Items[j].Namespace
				}
				return list.Items[i].Name < list.Items[j].Name
			})
			if ok, err := a.printStructured(list.Items, output); ok {
				return err
			}
			if len(list.Items) == 0 {
				a.printf("No tenants found\n")
				return nil
			}
			return printTenantTable(a.Out, list.Items, allNamespaces, a.Now())
		},
	}
	cmd.Flags().BoolVarP(&allNamespaces, "all-namespaces", "A", false, "List tenants in every namespace")
	cmd.Flags().StringVarP(&selector, "selector", "l", "", "Label selector")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func (a *App) tenantGetCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Show one tenant in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			t, err := a.getTenant(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			if ok, err := a.printStructured(t, output); ok {
				return err
			}
			printTenantDetail(a.Out, t)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func (a *App) tenantUpdateCommand() *cobra.Command {
	var (
		file     string
		tier     string
		replicas []string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Update a tenant from a manifest or selected flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fromFile *v1alpha1.Tenant
			if file != "" {
				loaded, err := loadTenantFile(file)
				if err != nil {
					return err
				}
				fromFile = loaded
			}
			counts, err := parseReplicas(replicas)
			if err != nil {
				return err
			}
			if fromFile == nil && tier == "" && len(counts) == 0 {
				return errors.New("nothing to update: pass -f, --tier or --replicas")
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			t, err := a.mutateTenant(ctx, c, args[0], func(t *v1alpha1.Tenant) error {
				if fromFile != nil {
					t.Spec = fromFile.Spec
					for k, v := range fromFile.Labels {
						metav1.SetMetaDataLabel(&t.ObjectMeta, k, v)
					}
				}
				if tier != "" {
					t.Spec.Tier = v1alpha1.Tier(strings.ToLower(tier))
				}
				if err := setReplicas(t, counts); err != nil {
					return err
				}
				return reconcile.Validate(t)
			})
			if err != nil {
				return err
			}
			a.printf("Tenant %q updated\n", t.Name)
			if !wait {
				return nil
			}
			return a.waitActive(ctx, c, client.ObjectKeyFromObject(t), createTimeout)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Manifest whose spec replaces the current one")
	cmd.Flags().StringVar(&tier, "tier", "", "New tier")
	cmd.Flags().StringSliceVar(&replicas, "replicas", nil, "Replica counts as SERVICE=N")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the tenant is Active again")
	return cmd
}

func (a *App) tenantDeleteCommand() *cobra.Command {
	var force, wait bool
	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a tenant and all of its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !force && !a.confirm(fmt.Sprintf("Delete tenant %q and all of its data?", name)) {
				a.printf("Aborted\n")
				return nil
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			t := &v1alpha1.Tenant{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: a.Namespace}}
			if err := c.Delete(ctx, t); err != nil {
				if apierrors.IsNotFound(err) {
					return fmt.Errorf("tenant %q not found in namespace %s", name, a.Namespace)
				}
				return fmt.Errorf("delete tenant %s: %w", name, err)
			}
			a.printf("Tenant %q deletion requested\n", name)
			if !wait {
				return nil
			}
			err = util.Poll(ctx, a.PollInterval, deleteTimeout, func(ctx context.Context) (bool, error) {
				err := c.Get(ctx, client.ObjectKeyFromObject(t), &v1alpha1.Tenant{})
				if apierrors.IsNotFound(err) {
					return true, nil
				}
				return false, err
			})
			if err != nil {
				return fmt.Errorf("waiting for tenant %s deletion: %w", name, err)
			}
			a.printf("Tenant %q deleted\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the tenant is gone")
	return cmd
}

func (a *App) tenantScaleCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:     "scale NAME SERVICE=N [SERVICE=N...]",
		Short:   "Set replica counts of one or more services in a single update",
		Example: "  tenantctl tenant scale acme api=5 worker=2 --wait",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := parseReplicas(args[1:])
			if err != nil {
				return err
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			t, err := a.mutateTenant(ctx, c, args[0], func(t *v1alpha1.Tenant) error {
				return setReplicas(t, counts)
			})
			if err != nil {
				return err
			}
			for _, name := range sortedKeys(counts) {
				a.printf("Scaled %s/%s to %d replicas\n", t.Name, name, counts[name])
			}
			if !wait {
				return nil
			}
			err = a.pollTenant(ctx, c, client.ObjectKeyFromObject(t), scaleTimeout, func(t *v1alpha1.Tenant) (bool, error) {
				for name, want := range counts {
					st, ok := t.Status.ServiceStatus(name)
					if !ok || st.ReadyReplicas != want || (want > 0 && !st.Ready) {
						return false, nil
					}
				}
				return true, nil
			})
			if err != nil {
				return fmt.Errorf("waiting for %s to scale: %w", t.Name, err)
			}
			a.printf("All services report the requested replicas ready\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until every service reports the new ready count")
	return cmd
}

func (a *App) tenantUpgradeCommand() *cobra.Command {
	var (
		service  string
		version  string
		all      bool
		strategy string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "upgrade NAME",
		Short: "Roll one or all services to a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (service == "") == !all {
				return errors.New("exactly one of --service or --all is required")
			}
			if strategy != "rolling" && strategy != "recreate" {
				return fmt.Errorf("invalid strategy %q (rolling, recreate)", strategy)
			}
			c, err := a.NewClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var upgraded []string
			t, err := a.mutateTenant(ctx, c, args[0], func(t *v1alpha1.Tenant) error {
				upgraded = upgraded[:0]
				for i := range t.Spec.Services {
					s := &t.Spec.Services[i]
					if all || s.Name == service {
						s.Version = version
						upgraded = append(upgraded, s.Name)
					}
				}
				if len(upgraded) == 0 {
					return fmt.Errorf("service %q not found in tenant %s", service, t.Name)
				}
				metav1.SetMetaDataAnnotation(&t.ObjectMeta, v1alpha1.UpgradeStrategyAnnotation, strategy)
				metav1.SetMetaDataAnnotation(&t.ObjectMeta, v1alpha1.UpgradeTimeAnnotation, a.Now().UTC().Format(time.RFC3339))
				return nil
			})
			if err != nil {
				return err
			}
			a.printf("Upgrading %s in tenant %q to %s (%s)\n", strings.Join(upgraded, ", "), t.Name, version, strategy)
			if !wait {
				return nil
			}
			err = a.pollTenant(ctx, c, client.ObjectKeyFromObject(t), upgradeTimeout, func(t *v1alpha1.Tenant) (bool, error) {
				if failedAtCurrentGeneration(t) {
					return false, fmt.Errorf("tenant %s failed: %s", t.Name, readyMessage(t))
				}
				for _, name := range upgraded {
					st, ok := t.Status.ServiceStatus(name)
					if !ok || st.Version != version || !st.Ready {
						return false, nil
					}
				}
				return t.Status.Phase == v1alpha1.PhaseActive, nil
			})
			if err != nil {
				return fmt.Errorf("waiting for upgrade of %s: %w", t.Name, err)
			}
			a.printf("Upgrade complete\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "Service to upgrade")
	cmd.Flags().StringVar(&version, "version", "", "Target version")
	cmd.Flags().BoolVar(&all, "all", false, "Upgrade every service")
	cmd.Flags().StringVar(&strategy, "strategy", "rolling", "Rollout strategy (rolling, recreate)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the new version is ready")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func (a *App) tenantEndpointsCommand() *cobra.Command {
	var (
		service string
		output  string
	)
	cmd := &cobra.Command{
		Use:   "endpoints NAME",
		Short: "Show the endpoints the discovery registry holds for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dc := a.NewDiscovery(a.DiscoveryURL)
			var (
				eps []types.ServiceEndpoint
				err error
			)
			if service != "" {
				eps, err = dc.ServiceEndpoints(cmd.Context(), args[0], cluster.ServiceServiceName(args[0], service))
			} else {
				eps, err = dc.TenantEndpoints(cmd.Context(), args[0])
			}
			if err != nil {
				return fmt.Errorf("lookup endpoints of %s: %w", args[0], err)
			}
			if ok, err := a.printStructured(eps, output); ok {
				return err
			}
			return printEndpoints(a.Out, eps)
		},
	}
	cmd.Flags().StringVar(&a.DiscoveryURL, "discovery-url", a.DiscoveryURL, "Base URL of the discovery API")
	cmd.Flags().StringVar(&service, "service", "", "Only this service")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func (a *App) getTenant(ctx context.Context, c client.Client, name string) (*v1alpha1.Tenant, error) {
	var t v1alpha1.Tenant
	if err := c.Get(ctx, client.ObjectKey{Namespace: a.Namespace, Name: name}, &t); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("tenant %q not found in namespace %s", name, a.Namespace)
		}
		return nil, fmt.Errorf("get tenant %s: %w", name, err)
	}
	return &t, nil
}

// mutateTenant applies fn to the latest copy of the tenant and writes it in
// one update, retrying on conflicts.
func (a *App) mutateTenant(ctx context.Context, c client.Client, name string, fn func(*v1alpha1.Tenant) error) (*v1alpha1.Tenant, error) {
	var out *v1alpha1.Tenant
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		t, err := a.getTenant(ctx, c, name)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := c.Update(ctx, t); err != nil {
			return fmt.Errorf("update tenant %s: %w", name, err)
		}
		out = t
		return nil
	})
	return out, err
}

func setReplicas(t *v1alpha1.Tenant, counts map[string]int32) error {
	for name, n := range counts {
		svc, ok := t.Spec.Service(name)
		if !ok {
			return fmt.Errorf("service %q not found in tenant %s", name, t.Name)
		}
		svc.Replicas = n
	}
	return nil
}

// pollTenant re-reads the tenant every PollInterval until done holds.
func (a *App) pollTenant(ctx context.Context, c client.Client, key client.ObjectKey, timeout time.Duration, done func(*v1alpha1.Tenant) (bool, error)) error {
	return util.Poll(ctx, a.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		var t v1alpha1.Tenant
		if err := c.Get(ctx, key, &t); err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("tenant %s disappeared", key.Name)
			}
			a.debug("tenant_poll_error", zap.Error(err))
			return false, nil
		}
		a.debug("tenant_poll", zap.String("tenant", t.Name), zap.String("phase", string(t.Status.Phase)))
		return done(&t)
	})
}

// failedAtCurrentGeneration reports a Failed phase that is not stale: a spec
// edit the controller has not observed yet may still recover the tenant.
func failedAtCurrentGeneration(t *v1alpha1.Tenant) bool {
	return t.Status.Phase == v1alpha1.PhaseFailed && t.Status.ObservedGeneration >= t.Generation
}

// waitActive blocks until the tenant reaches Active at its current generation.
// Failed ends the wait only once the controller has seen that generation.
func (a *App) waitActive(ctx context.Context, c client.Client, key client.ObjectKey, timeout time.Duration) error {
	err := a.pollTenant(ctx, c, key, timeout, func(t *v1alpha1.Tenant) (bool, error) {
		if failedAtCurrentGeneration(t) {
			return false, fmt.Errorf("tenant %s failed: %s", t.Name, readyMessage(t))
		}
		return t.Status.Phase == v1alpha1.PhaseActive && t.Status.ObservedGeneration >= t.Generation, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for tenant %s: %w", key.Name, err)
	}
	return nil
}

func readyMessage(t *v1alpha1.Tenant) string {
	if c := meta.FindStatusCondition(t.Status.Conditions, v1alpha1.ConditionReady); c != nil {
		return c.Message
	}
	return "no Ready condition"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
