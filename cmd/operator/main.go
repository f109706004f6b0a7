package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/vaheed/tenantplane/internal/builders"
	"github.com/vaheed/tenantplane/internal/config"
	"github.com/vaheed/tenantplane/internal/discovery"
	"github.com/vaheed/tenantplane/internal/health"
	"github.com/vaheed/tenantplane/internal/logging"
	"github.com/vaheed/tenantplane/internal/reconcile"
	"github.com/vaheed/tenantplane/internal/telemetry"
	v1alpha1 "github.com/vaheed/tenantplane/pkg/api/v1alpha1"
)

const (
	snapshotTTL    = 24 * time.Hour
	eventBufferLen = 500
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1alpha1.AddToScheme(scheme))
}

func main() {
	cfg := config.Load()
	flag.StringVar(&cfg.MetricsAddr, "metrics-bind-address", cfg.MetricsAddr, "The address the metric endpoint binds to.")
	flag.StringVar(&cfg.ProbeAddr, "health-probe-bind-address", cfg.ProbeAddr, "The address the probe endpoint binds to.")
	flag.StringVar(&cfg.DiscoveryAddr, "discovery-bind-address", cfg.DiscoveryAddr, "The address the discovery API binds to.")
	flag.BoolVar(&cfg.LeaderElect, "leader-elect", cfg.LeaderElect,
		"Enable leader election so only one replica reconciles at a time.")
	flag.DurationVar(&cfg.SyncPeriod, "sync-period", cfg.SyncPeriod, "Minimum interval at which watched objects are re-reconciled.")
	flag.Parse()

	log := logging.L
	defer func() { _ = log.Sync() }()
	ctrl.SetLogger(zapr.NewLogger(log))

	ctx := ctrl.SetupSignalHandler()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "tenantplane-operator",
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		log.Fatal("tracing_setup_failed", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.ProbeAddr,
		LeaderElection:         cfg.LeaderElect,
		LeaderElectionID:       "tenantplane-operator.tenantplane.io",
		Cache:                  cache.Options{SyncPeriod: &cfg.SyncPeriod},
	})
	if err != nil {
		log.Fatal("manager_create_failed", zap.Error(err))
	}

	cmStore := &discovery.ConfigMapStore{Client: mgr.GetClient(), Namespace: cfg.SystemNamespace}
	stores := discovery.MultiStore{cmStore}
	var events *telemetry.RedisBuffer
	if rdb := connectRedis(ctx, cfg.RedisAddr); rdb != nil {
		defer func() { _ = rdb.Close() }()
		stores = append(stores, discovery.NewRedisStore(rdb, snapshotTTL))
		events = telemetry.NewRedisBuffer(rdb, eventBufferLen)
		telemetry.SetGlobal(events)
	}

	registry := discovery.NewRegistry(mgr.GetClient(), stores, discovery.NewProber(discovery.ProberOptions{}))
	server := discovery.NewServer(registry, cmStore, cfg.DiscoveryAddr)
	if events != nil {
		server.Events = events
	}
	if err := mgr.Add(server); err != nil {
		log.Fatal("discovery_server_add_failed", zap.Error(err))
	}

	var dbProbe health.DatabaseProbe
	if cfg.ProbeDatabase {
		dbProbe = health.PostgresProbe{Timeout: 5 * time.Second}
	}
	builder := builders.New(builders.Options{
		ImageRegistry:   cfg.ImageRegistry,
		SystemNamespace: cfg.SystemNamespace,
		BackupBucket:    cfg.BackupBucket,
	})
	orchestrator := &reconcile.Orchestrator{Client: mgr.GetClient(), Scheme: mgr.GetScheme(), Builder: builder}

	if err := (&reconcile.TenantReconciler{
		Client:                  mgr.GetClient(),
		Scheme:                  mgr.GetScheme(),
		Recorder:                mgr.GetEventRecorderFor("tenant-controller"),
		Builder:                 builder,
		Registry:                registry,
		Health:                  health.NewMonitor(mgr.GetClient(), registry, dbProbe),
		Orchestrator:            orchestrator,
		MaxConcurrentReconciles: cfg.MaxConcurrentReconciles,
	}).SetupWithManager(mgr); err != nil {
		log.Fatal("controller_setup_failed", zap.String("controller", "Tenant"), zap.Error(err))
	}
	if err := (&reconcile.BackupReconciler{
		Client:       mgr.GetClient(),
		Scheme:       mgr.GetScheme(),
		Recorder:     mgr.GetEventRecorderFor("backup-controller"),
		Orchestrator: orchestrator,
	}).SetupWithManager(mgr); err != nil {
		log.Fatal("controller_setup_failed", zap.String("controller", "TenantBackup"), zap.Error(err))
	}
	if err := (&discovery.ServiceWatcher{
		Client:          mgr.GetClient(),
		Registry:        registry,
		SystemNamespace: cfg.SystemNamespace,
	}).SetupWithManager(mgr); err != nil {
		log.Fatal("controller_setup_failed", zap.String("controller", "Service"), zap.Error(err))
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		log.Fatal("healthz_setup_failed", zap.Error(err))
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		log.Fatal("readyz_setup_failed", zap.Error(err))
	}

	log.Info("operator_starting",
		zap.String("version", cfg.Version),
		zap.String("system_namespace", cfg.SystemNamespace),
		zap.Bool("leader_elect", cfg.LeaderElect),
		zap.Bool("redis", len(stores) > 1))
	if err := mgr.Start(ctx); err != nil {
		log.Error("manager_stopped", zap.Error(err))
		os.Exit(1)
	}
}

// connectRedis returns a client when addr is set and reachable. Redis only
// mirrors snapshots and buffers events, so the operator runs without it.
func connectRedis(ctx context.Context, addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		logging.L.Warn("redis_unavailable", zap.String("addr", addr), zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	return rdb
}
