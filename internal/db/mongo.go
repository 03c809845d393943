package db

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/util"
)

// MongoDumpFile is the mongodump archive name inside a backup.
const MongoDumpFile = "database_backup.archive"

type MongoAdapter struct {
	opts Options
}

func NewMongoAdapter(opts Options) *MongoAdapter {
	return &MongoAdapter{opts: opts}
}

func (m *MongoAdapter) Name() string { return "mongodb" }

func (m *MongoAdapter) Validate(ctx context.Context, cfg config.DatabaseConfig) error {
	if !m.opts.AllowMissingTools {
		if err := util.RequireBinary("mongodump"); err != nil {
			return err
		}
		if err := util.RequireBinary("mongorestore"); err != nil {
			return err
		}
	}
	if !util.HasBinary("mongosh") {
		return nil
	}
	res, err := util.Run(ctx, "mongosh", append(mongoConnArgs(cfg), "--quiet", "--eval", "db.runCommand({ ping: 1 })"), buildMongoEnv(cfg), nil, nil)
	if err != nil {
		return fmt.Errorf("mongodb ping: %w: %s", err, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *MongoAdapter) Dump(ctx context.Context, cfg config.DatabaseConfig, dir string) (*DumpResult, error) {
	if err := util.RequireBinary("mongodump"); err != nil {
		return nil, apperr.DatabaseBackup("mongodump", err)
	}
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, MongoDumpFile)
	args := []string{"--archive=" + path, "--db", cfg.Database}
	args = append(args, mongoConnArgs(cfg)...)
	for _, coll := range cfg.ExcludeTables {
		args = append(args, "--excludeCollection", coll)
	}
	res, err := util.Run(ctx, "mongodump", args, buildMongoEnv(cfg), nil, nil)
	if err != nil {
		return nil, apperr.DatabaseBackup("mongodump", err).WithDetail(res.Stderr)
	}
	return finishDump(path, FormatNative)
}

func (m *MongoAdapter) Load(ctx context.Context, cfg config.DatabaseConfig, dump DumpResult) error {
	if err := util.RequireBinary("mongorestore"); err != nil {
		return apperr.Restore("load database", err)
	}
	args := []string{"--archive=" + dump.Path, "--nsInclude", cfg.Database + ".*"}
	args = append(args, mongoConnArgs(cfg)...)
	if m.opts.DropExisting {
		args = append(args, "--drop")
	}
	res, err := util.Run(ctx, "mongorestore", args, buildMongoEnv(cfg), nil, nil)
	if err != nil {
		return apperr.Restore("load database", err).WithDetail(res.Stderr)
	}
	return nil
}

func mongoConnArgs(cfg config.DatabaseConfig) []string {
	args := []string{}
	if cfg.Host != "" {
		args = append(args, "--host", cfg.Host)
	}
	if cfg.Port != 0 {
		args = append(args, "--port", fmt.Sprintf("%d", cfg.Port))
	}
	if cfg.Username != "" {
		args = append(args, "--username", cfg.Username)
	}
	if cfg.Password != "" {
		args = append(args, "--password", cfg.Password)
	}
	if cfg.SSLMode != "" && !strings.EqualFold(cfg.SSLMode, "disable") {
		args = append(args, "--tls")
	}
	if cfg.SSLCA != "" {
		args = append(args, "--tlsCAFile", cfg.SSLCA)
	}
	if cfg.SSLCert != "" {
		args = append(args, "--tlsCertificateKeyFile", cfg.SSLCert)
	}
	if authSource, ok := cfg.Params["authSource"]; ok {
		args = append(args, "--authenticationDatabase", authSource)
	}
	return args
}

func buildMongoEnv(cfg config.DatabaseConfig) []string {
	env := []string{}
	if uri, ok := cfg.Params["uri"]; ok && uri != "" {
		env = append(env, "MONGODB_URI="+uri)
	}
	return env
}
