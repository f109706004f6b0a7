package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the operator settings resolved from the environment.
type Config struct {
	MetricsAddr             string
	ProbeAddr               string
	DiscoveryAddr           string
	LeaderElect             bool
	SystemNamespace         string
	SyncPeriod              time.Duration
	ImageRegistry           string
	BackupBucket            string
	AWSRegion               string
	RedisAddr               string
	OTLPEndpoint            string
	MaxConcurrentReconciles int
	ProbeDatabase           bool
	Version                 string
}

// LoadDotenv reads variables from $ENV_FILE and ./.env when present.
// It never overrides variables already present in the process environment.
func LoadDotenv() {
	candidates := make([]string, 0, 2)
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		candidates = append(candidates, envFile)
	}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, ".env"))
	} else {
		candidates = append(candidates, ".env")
	}

	seen := map[string]struct{}{}
	for _, f := range candidates {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// Load resolves the dotenv files and returns the environment-derived config.
func Load() Config {
	LoadDotenv()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() Config {
	return Config{
		MetricsAddr:             getenv("METRICS_ADDR", ":8080"),
		ProbeAddr:               getenv("PROBE_ADDR", ":8081"),
		DiscoveryAddr:           getenv("DISCOVERY_ADDR", ":8090"),
		LeaderElect:             parseBool(os.Getenv("LEADER_ELECT")),
		SystemNamespace:         getenv("SYSTEM_NAMESPACE", "tenant-system"),
		SyncPeriod:              getenvDuration("SYNC_PERIOD", 10*time.Minute),
		ImageRegistry:           getenv("IMAGE_REGISTRY", "rezenkai"),
		BackupBucket:            getenv("BACKUP_BUCKET", "multi-saas-crm-backups"),
		AWSRegion:               getenv("AWS_REGION", "us-east-1"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MaxConcurrentReconciles: getenvInt("MAX_CONCURRENT_RECONCILES", 4),
		ProbeDatabase:           getenvBool("HEALTH_PROBE_DB", true),
		Version:                 getenv("TENANTPLANE_VERSION", "dev"),
	}
}

func getenv(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return d
}

func getenvDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if dur, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && dur > 0 {
			return dur
		}
	}
	return d
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	return parseBool(v)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	default:
		return false
	}
}
