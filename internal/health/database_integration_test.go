//go:build integration && !darwin

package health

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPG(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env:          map[string]string{"POSTGRES_PASSWORD": "pw", "POSTGRES_DB": "tenant_acme_db", "POSTGRES_USER": "tenant_acme"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	host, _ := c.Host(ctx)
	port, _ := c.MappedPort(ctx, "5432/tcp")
	p, _ := strconv.Atoi(port.Port())
	dsn := PostgresDSN(host, int32(p), "tenant_acme", "pw", "tenant_acme_db")
	return dsn, func() { _ = c.Terminate(ctx) }
}

func TestPostgresProbe(t *testing.T) {
	if os.Getenv("RUN_PG_INTEGRATION") == "" {
		t.Skip("set RUN_PG_INTEGRATION=1 to run")
	}
	dsn, stop := startPG(t)
	defer stop()
	ctx := context.Background()
	probe := PostgresProbe{Timeout: 10 * time.Second}

	res, err := probe.Probe(ctx, dsn)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if res.MigrationsRun {
		t.Fatalf("fresh database reported migrations")
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, `CREATE TABLE schema_migrations (version bigint PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(ctx, `INSERT INTO schema_migrations VALUES (1)`); err != nil {
		t.Fatal(err)
	}

	res, err = probe.Probe(ctx, dsn)
	if err != nil {
		t.Fatalf("probe after migration: %v", err)
	}
	if !res.MigrationsRun {
		t.Fatalf("expected migrations to be detected")
	}

	if _, err := probe.Probe(ctx, PostgresDSN("127.0.0.1", 1, "x", "y", "z")); err == nil {
		t.Fatalf("expected connection error")
	}
}
