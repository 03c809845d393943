package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/util"
)

// MySQLDumpFile is the dump name inside a backup.
const MySQLDumpFile = "database_backup.sql"

type MySQLAdapter struct {
	opts Options
	// open is swapped in tests.
	open func(cfg config.DatabaseConfig) (*sql.DB, error)
	// hasBinary is swapped in tests.
	hasBinary func(name string) bool
}

func NewMySQLAdapter(opts Options) *MySQLAdapter {
	return &MySQLAdapter{opts: opts, open: openMySQL, hasBinary: util.HasBinary}
}

func (m *MySQLAdapter) Name() string { return "mysql" }

func (m *MySQLAdapter) Validate(ctx context.Context, cfg config.DatabaseConfig) error {
	if !m.opts.AllowMissingTools && !cfg.NativeFallback {
		if err := util.RequireBinary("mysqldump"); err != nil {
			return err
		}
		if err := util.RequireBinary("mysql"); err != nil {
			return err
		}
	}
	db, err := m.open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func (m *MySQLAdapter) Dump(ctx context.Context, cfg config.DatabaseConfig, dir string) (*DumpResult, error) {
	path := filepath.Join(dir, MySQLDumpFile)
	if !m.hasBinary("mysqldump") {
		if !cfg.NativeFallback {
			return nil, apperr.Newf(apperr.KindDatabaseBackup, "dump", "mysqldump not found in PATH and native fallback is disabled")
		}
		m.opts.Log.Warn().Msg("mysqldump not available, using native fallback dump")
		return m.dumpNative(ctx, cfg, path)
	}

	out, err := createDumpFile(path)
	if err != nil {
		return nil, err
	}
	res, runErr := util.Run(ctx, "mysqldump", mysqldumpArgs(cfg), buildMySQLEnv(cfg), nil, out)
	closeErr := out.Close()
	if runErr != nil {
		return nil, apperr.DatabaseBackup("mysqldump", runErr).WithDetail(res.Stderr)
	}
	if closeErr != nil {
		return nil, apperr.DatabaseBackup("mysqldump", closeErr)
	}
	return finishDump(path, FormatNative)
}

func (m *MySQLAdapter) dumpNative(ctx context.Context, cfg config.DatabaseConfig, path string) (*DumpResult, error) {
	db, err := m.open(cfg)
	if err != nil {
		return nil, apperr.DatabaseBackup("connect", err)
	}
	defer db.Close()

	out, err := createDumpFile(path)
	if err != nil {
		return nil, err
	}
	exporter := &SQLExporter{DB: db, Database: cfg.Database, ExcludeTables: cfg.ExcludeTables}
	if err := exporter.Export(ctx, out); err != nil {
		out.Close()
		return nil, apperr.DatabaseBackup("native dump", err)
	}
	if err := out.Close(); err != nil {
		return nil, apperr.DatabaseBackup("native dump", err)
	}
	return finishDump(path, FormatPortableSQL)
}

// Load pipes the dump into the mysql client, or replays it statement by
// statement over the driver when the client is unavailable.
func (m *MySQLAdapter) Load(ctx context.Context, cfg config.DatabaseConfig, dump DumpResult) error {
	in, err := os.Open(dump.Path)
	if err != nil {
		return apperr.Restore("load database", err)
	}
	defer in.Close()

	if m.hasBinary("mysql") {
		res, err := util.Run(ctx, "mysql", mysqlClientArgs(cfg), buildMySQLEnv(cfg), in, nil)
		if err != nil {
			return apperr.Restore("load database", err).WithDetail(res.Stderr)
		}
		return nil
	}
	if !cfg.NativeFallback {
		return apperr.Newf(apperr.KindRestore, "load database", "mysql client not found in PATH and native fallback is disabled")
	}
	m.opts.Log.Warn().Msg("mysql client not available, replaying dump over the driver")
	db, err := m.open(cfg)
	if err != nil {
		return apperr.Restore("connect", err)
	}
	defer db.Close()
	if err := Replay(ctx, db, in); err != nil {
		return apperr.Restore("replay dump", err)
	}
	return nil
}

func mysqldumpArgs(cfg config.DatabaseConfig) []string {
	args := []string{"--single-transaction", "--routines", "--triggers", "--add-drop-table"}
	args = append(args, mysqlConnArgs(cfg)...)
	for _, t := range cfg.ExcludeTables {
		args = append(args, "--ignore-table="+cfg.Database+"."+t)
	}
	return append(args, cfg.Database)
}

func mysqlClientArgs(cfg config.DatabaseConfig) []string {
	return append(mysqlConnArgs(cfg), cfg.Database)
}

func mysqlConnArgs(cfg config.DatabaseConfig) []string {
	args := []string{"-h", cfg.Host, "-P", portOrDefault(cfg.Port, 3306), "-u", cfg.Username}
	if cfg.ConnectionTimeout > 0 {
		args = append(args, fmt.Sprintf("--connect-timeout=%d", int(cfg.ConnectionTimeout.Seconds())))
	}
	if cfg.SSLMode != "" {
		args = append(args, "--ssl-mode="+strings.ToUpper(cfg.SSLMode))
	}
	if cfg.SSLCA != "" {
		args = append(args, "--ssl-ca="+cfg.SSLCA)
	}
	if cfg.SSLCert != "" {
		args = append(args, "--ssl-cert="+cfg.SSLCert)
	}
	if cfg.SSLKey != "" {
		args = append(args, "--ssl-key="+cfg.SSLKey)
	}
	return args
}

func buildMySQLEnv(cfg config.DatabaseConfig) []string {
	env := []string{}
	if cfg.Password != "" {
		env = append(env, "MYSQL_PWD="+cfg.Password)
	}
	return env
}

// mysqlDSN builds a go-sql-driver DSN from the connection settings.
func mysqlDSN(cfg config.DatabaseConfig) string {
	dc := mysql.NewConfig()
	dc.User = cfg.Username
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = cfg.Host + ":" + portOrDefault(cfg.Port, 3306)
	dc.DBName = cfg.Database
	dc.Params = map[string]string{"charset": "utf8mb4"}
	for k, v := range cfg.Params {
		dc.Params[k] = v
	}
	if cfg.ConnectionTimeout > 0 {
		dc.Timeout = cfg.ConnectionTimeout
	} else {
		dc.Timeout = 10 * time.Second
	}
	if cfg.SSLMode != "" && !strings.EqualFold(cfg.SSLMode, "disabled") {
		dc.TLSConfig = "preferred"
	}
	return dc.FormatDSN()
}

func openMySQL(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", mysqlDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}
