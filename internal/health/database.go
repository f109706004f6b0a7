package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// DatabaseProbe connects to a tenant database and reports what it finds.
type DatabaseProbe interface {
	Probe(ctx context.Context, dsn string) (DatabaseResult, error)
}

// DatabaseResult is the outcome of a successful connection.
type DatabaseResult struct {
	// MigrationsRun is true once a schema_migrations table with at least one row exists.
	MigrationsRun bool
	Latency       time.Duration
}

// PostgresProbe pings PostgreSQL through pgx.
type PostgresProbe struct {
	Timeout time.Duration
}

func (p PostgresProbe) Probe(ctx context.Context, dsn string) (DatabaseResult, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return DatabaseResult{}, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())
	if err := conn.Ping(ctx); err != nil {
		return DatabaseResult{}, fmt.Errorf("ping: %w", err)
	}
	res := DatabaseResult{Latency: time.Since(start)}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT to_regclass('public.schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return res, fmt.Errorf("inspect schema: %w", err)
	}
	if exists {
		var applied int64
		if err := conn.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
			return res, fmt.Errorf("count migrations: %w", err)
		}
		res.MigrationsRun = applied > 0
	}
	return res, nil
}

// PostgresDSN builds a connection URL with TLS disabled, as used inside the cluster network.
func PostgresDSN(host string, port int32, user, password, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(int(port))),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
