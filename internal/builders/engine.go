package builders

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// Engine describes how to run, dump and restore one database engine.
type Engine struct {
	Image          string
	DefaultVersion string
	Port           int32
	DataDir        string
	// Tool names the dump utility and prefixes artifact file names.
	Tool string
	// DumpCommand writes plain SQL to stdout.
	DumpCommand string
	// RestoreCommand reads plain SQL from stdin.
	RestoreCommand string
	// PasswordEnv is read by the engine's client tools.
	PasswordEnv  string
	ReadyCommand []string
	serverEnv    func(secret string) []corev1.EnvVar
}

var engines = map[string]Engine{
	"postgres": {
		Image:          "postgres",
		DefaultVersion: "13",
		Port:           5432,
		DataDir:        "/var/lib/postgresql/data",
		Tool:           "pg_dump",
		DumpCommand:    `pg_dump -h "$DB_HOST" -p "$DB_PORT" -U "$DB_USER" "$DB_NAME"`,
		RestoreCommand: `psql -v ON_ERROR_STOP=1 -h "$DB_HOST" -p "$DB_PORT" -U "$DB_USER" -d "$DB_NAME"`,
		PasswordEnv:    "PGPASSWORD",
		ReadyCommand:   []string{"sh", "-c", `pg_isready -U "$POSTGRES_USER" -d "$POSTGRES_DB"`},
		serverEnv: func(secret string) []corev1.EnvVar {
			return []corev1.EnvVar{
				secretEnv("POSTGRES_USER", secret, "username"),
				secretEnv("POSTGRES_PASSWORD", secret, "password"),
				secretEnv("POSTGRES_DB", secret, "database"),
				{Name: "PGDATA", Value: "/var/lib/postgresql/data/pgdata"},
			}
		},
	},
	"mysql": {
		Image:          "mysql",
		DefaultVersion: "8.0",
		Port:           3306,
		DataDir:        "/var/lib/mysql",
		Tool:           "mysqldump",
		DumpCommand:    `mysqldump --single-transaction -h "$DB_HOST" -P "$DB_PORT" -u "$DB_USER" "$DB_NAME"`,
		RestoreCommand: `mysql -h "$DB_HOST" -P "$DB_PORT" -u "$DB_USER" "$DB_NAME"`,
		PasswordEnv:    "MYSQL_PWD",
		ReadyCommand:   []string{"sh", "-c", `mysqladmin ping -h 127.0.0.1 -u "$MYSQL_USER" --password="$MYSQL_PASSWORD"`},
		serverEnv: func(secret string) []corev1.EnvVar {
			return []corev1.EnvVar{
				secretEnv("MYSQL_USER", secret, "username"),
				secretEnv("MYSQL_PASSWORD", secret, "password"),
				secretEnv("MYSQL_DATABASE", secret, "database"),
				{Name: "MYSQL_RANDOM_ROOT_PASSWORD", Value: "yes"},
			}
		},
	},
}

// LookupEngine returns the engine registered under name (case-insensitive).
func LookupEngine(name string) (Engine, bool) {
	e, ok := engines[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

// EngineNames lists the supported engines.
func EngineNames() []string {
	return []string{"mysql", "postgres"}
}

// ImageFor returns the server image for version, falling back to the default.
func (e Engine) ImageFor(version string) string {
	if strings.TrimSpace(version) == "" {
		version = e.DefaultVersion
	}
	return fmt.Sprintf("%s:%s", e.Image, version)
}

// ServerEnv wires the credentials secret into the database container.
func (e Engine) ServerEnv(secret string) []corev1.EnvVar {
	return e.serverEnv(secret)
}

func secretEnv(name, secret, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			},
		},
	}
}
