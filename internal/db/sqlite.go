package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/util"
)

// SQLiteDumpFile is the database copy inside a backup.
const SQLiteDumpFile = "database_backup.sqlite"

type SQLiteAdapter struct {
	opts Options
}

func NewSQLiteAdapter(opts Options) *SQLiteAdapter { return &SQLiteAdapter{opts: opts} }

func (s *SQLiteAdapter) Name() string { return "sqlite" }

func (s *SQLiteAdapter) Validate(ctx context.Context, cfg config.DatabaseConfig) error {
	if cfg.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required")
	}
	if _, err := os.Stat(cfg.SQLitePath); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteAdapter) Dump(ctx context.Context, cfg config.DatabaseConfig, dir string) (*DumpResult, error) {
	if err := s.Validate(ctx, cfg); err != nil {
		return nil, apperr.DatabaseBackup("copy database", err)
	}
	path := filepath.Join(dir, SQLiteDumpFile)
	if _, err := util.CopyFile(cfg.SQLitePath, path, nil); err != nil {
		return nil, apperr.DatabaseBackup("copy database", err)
	}
	return finishDump(path, FormatNative)
}

// Load replaces the database file. The copy is written next to the target
// and renamed over it so readers never see a half-written file.
func (s *SQLiteAdapter) Load(ctx context.Context, cfg config.DatabaseConfig, dump DumpResult) error {
	if cfg.SQLitePath == "" {
		return apperr.Restore("load database", fmt.Errorf("sqlite_path is required"))
	}
	tmp := cfg.SQLitePath + ".restore"
	if _, err := util.CopyFile(dump.Path, tmp, nil); err != nil {
		_ = os.Remove(tmp)
		return apperr.Restore("load database", err)
	}
	if err := os.Rename(tmp, cfg.SQLitePath); err != nil {
		_ = os.Remove(tmp)
		return apperr.Restore("load database", err)
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return apperr.DatabaseBackup("dump", err)
	}
	return nil
}
