// Package cli implements tenantctl, the operator-facing command line for
// tenants and their backups. Every command works against the Tenant objects
// in the cluster; the controller does the provisioning.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/vaheed/tenantplane/internal/backup"
	"github.com/vaheed/tenantplane/internal/cluster"
	"github.com/vaheed/tenantplane/internal/config"
	"github.com/vaheed/tenantplane/internal/logging"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
	discoveryclient "github.com/vaheed/tenantplane/pkg/client"
)

// Wait budgets of the --wait flags.
const (
	defaultPollInterval = 2 * time.Second
	createTimeout       = 10 * time.Minute
	deleteTimeout       = 5 * time.Minute
	scaleTimeout        = 5 * time.Minute
	upgradeTimeout      = 10 * time.Minute
	backupTimeout       = 10 * time.Minute
	restoreTimeout      = 15 * time.Minute
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// App carries the global flags and the injectable dependencies of every command.
type App struct {
	Kubeconfig   string
	Context      string
	Namespace    string
	Verbose      bool
	DiscoveryURL string

	Out io.Writer
	Err io.Writer
	In  io.Reader

	// NewClient builds the cluster client; defaults to the kubeconfig resolution.
	NewClient func() (client.Client, error)
	// NewCatalog opens the backup artifact store; nil disables catalog lookups.
	NewCatalog func(ctx context.Context) (backup.Catalog, error)
	// NewDiscovery builds the discovery API client for a base URL.
	NewDiscovery func(url string) *discoveryclient.Client

	PollInterval time.Duration
	Now          func() time.Time

	cfg config.Config
}

// NewApp returns an App wired to the process environment and the real cluster.
func NewApp() *App {
	config.LoadDotenv()
	cfg := config.FromEnv()
	a := &App{
		Namespace:    cfg.SystemNamespace,
		DiscoveryURL: "http://localhost" + cfg.DiscoveryAddr,
		Out:          os.Stdout,
		Err:          os.Stderr,
		In:           os.Stdin,
		PollInterval: defaultPollInterval,
		Now:          time.Now,
		cfg:          cfg,
	}
	a.NewClient = a.kubeClient
	a.NewCatalog = func(ctx context.Context) (backup.Catalog, error) {
		return backup.NewS3Catalog(ctx, a.cfg.BackupBucket, a.cfg.AWSRegion)
	}
	a.NewDiscovery = discoveryclient.New
	return a
}

// Scheme knows the tenantplane API and the core kinds the CLI reads.
func Scheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	_ = batchv1.AddToScheme(scheme)
	_ = v1alpha1.AddToScheme(scheme)
	return scheme
}

func (a *App) kubeClient() (client.Client, error) {
	rc, err := cluster.LoadRESTConfig(a.Kubeconfig, a.Context)
	if err != nil {
		return nil, err
	}
	return client.New(rc, client.Options{Scheme: Scheme()})
}

// NewRootCommand assembles the tenantctl command tree.
func NewRootCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "tenantctl",
		Short:         "Manage tenants of the multi-tenant SaaS platform",
		Long:          `tenantctl creates, inspects and changes Tenant objects and drives their database backups.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if a.Verbose {
				logging.SetLevel(zapcore.DebugLevel)
			}
		},
	}
	root.SetOut(a.Out)
	root.SetErr(a.Err)
	root.SetIn(a.In)

	pf := root.PersistentFlags()
	pf.StringVar(&a.Kubeconfig, "kubeconfig", a.Kubeconfig, "Path to the kubeconfig file")
	pf.StringVar(&a.Context, "context", a.Context, "Kubeconfig context to use")
	pf.StringVarP(&a.Namespace, "namespace", "n", a.Namespace, "Namespace holding Tenant objects")
	pf.BoolVarP(&a.Verbose, "verbose", "v", false, "Verbose output")

	root.AddCommand(a.tenantCommand(), a.backupCommand(), a.versionCommand())
	return root
}

func (a *App) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tenantctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.Out, "tenantctl %s\n", Version)
		},
	}
}

func (a *App) debug(msg string, fields ...zap.Field) {
	if a.Verbose {
		logging.L.Debug(msg, fields...)
	}
}

// confirm asks a yes/no question on In; anything but y or yes declines.
func (a *App) confirm(question string) bool {
	fmt.Fprintf(a.Out, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(a.In).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.Out, format, args...)
}

// printStructured writes v as json or yaml. It reports false for other formats.
func (a *App) printStructured(v any, format string) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return true, err
		}
		_, err = a.Out.Write(data)
		return true, err
	case "", "table":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}
