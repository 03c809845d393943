package db

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/util"
)

// PostgresDumpFile is the plain SQL dump name inside a backup.
const PostgresDumpFile = "database_backup.sql"

type PostgresAdapter struct {
	opts Options
}

func NewPostgresAdapter(opts Options) *PostgresAdapter {
	return &PostgresAdapter{opts: opts}
}

func (p *PostgresAdapter) Name() string { return "postgres" }

func (p *PostgresAdapter) Validate(ctx context.Context, cfg config.DatabaseConfig) error {
	if !p.opts.AllowMissingTools {
		if err := util.RequireBinary("pg_dump"); err != nil {
			return err
		}
		if err := util.RequireBinary("psql"); err != nil {
			return err
		}
	}
	conn, err := pgx.Connect(ctx, postgresURL(cfg))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}

func (p *PostgresAdapter) Dump(ctx context.Context, cfg config.DatabaseConfig, dir string) (*DumpResult, error) {
	if err := util.RequireBinary("pg_dump"); err != nil {
		return nil, apperr.DatabaseBackup("pg_dump", err)
	}
	path := filepath.Join(dir, PostgresDumpFile)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	args := []string{"--format=plain", "--no-owner", "--no-privileges", "--clean", "--if-exists", "--file", path}
	for _, t := range cfg.ExcludeTables {
		args = append(args, "--exclude-table="+t)
	}
	args = append(args, cfg.Database)

	res, err := util.Run(ctx, "pg_dump", args, buildPostgresEnv(cfg), nil, nil)
	if err != nil {
		return nil, apperr.DatabaseBackup("pg_dump", err).WithDetail(res.Stderr)
	}
	return finishDump(path, FormatNative)
}

func (p *PostgresAdapter) Load(ctx context.Context, cfg config.DatabaseConfig, dump DumpResult) error {
	if err := util.RequireBinary("psql"); err != nil {
		return apperr.Restore("load database", err)
	}
	args := []string{"-v", "ON_ERROR_STOP=1", "--single-transaction", "--quiet", "--file", dump.Path, "--dbname", cfg.Database}
	res, err := util.Run(ctx, "psql", args, buildPostgresEnv(cfg), nil, nil)
	if err != nil {
		return apperr.Restore("load database", err).WithDetail(res.Stderr)
	}
	return nil
}

func buildPostgresEnv(cfg config.DatabaseConfig) []string {
	env := []string{
		"PGHOST=" + cfg.Host,
		"PGPORT=" + portOrDefault(cfg.Port, 5432),
		"PGUSER=" + cfg.Username,
		"PGDATABASE=" + cfg.Database,
	}
	if cfg.Password != "" {
		env = append(env, "PGPASSWORD="+cfg.Password)
	}
	if cfg.SSLMode != "" {
		env = append(env, "PGSSLMODE="+cfg.SSLMode)
	}
	if cfg.SSLCA != "" {
		env = append(env, "PGSSLROOTCERT="+cfg.SSLCA)
	}
	if cfg.SSLCert != "" {
		env = append(env, "PGSSLCERT="+cfg.SSLCert)
	}
	if cfg.SSLKey != "" {
		env = append(env, "PGSSLKEY="+cfg.SSLKey)
	}
	if cfg.ConnectionTimeout > 0 {
		env = append(env, "PGCONNECT_TIMEOUT="+strconv.Itoa(int(cfg.ConnectionTimeout.Seconds())))
	}
	return env
}

// postgresURL renders the settings as a libpq URL understood by pgx.
func postgresURL(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, portOrDefault(cfg.Port, 5432)),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.SSLCA != "" {
		q.Set("sslrootcert", cfg.SSLCA)
	}
	if cfg.SSLCert != "" {
		q.Set("sslcert", cfg.SSLCert)
	}
	if cfg.SSLKey != "" {
		q.Set("sslkey", cfg.SSLKey)
	}
	if cfg.ConnectionTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.ConnectionTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
