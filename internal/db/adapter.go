package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
)

const (
	// FormatNative is the engine tool's own output.
	FormatNative = "native"
	// FormatPortableSQL is the driver-based fallback: DDL plus INSERTs.
	FormatPortableSQL = "portable_sql"
)

// Adapter dumps a database to a file and loads it back.
type Adapter interface {
	Name() string
	Validate(ctx context.Context, cfg config.DatabaseConfig) error
	// Dump writes the database into dir and reports the produced file.
	Dump(ctx context.Context, cfg config.DatabaseConfig, dir string) (*DumpResult, error)
	// Load replays a file produced by Dump.
	Load(ctx context.Context, cfg config.DatabaseConfig, dump DumpResult) error
}

type DumpResult struct {
	Path   string
	Format string
	Size   int64
}

// Options tune adapter construction.
type Options struct {
	AllowMissingTools bool
	DropExisting      bool
	Log               zerolog.Logger
}

func NewAdapter(dbType string, opts Options) (Adapter, error) {
	switch dbType {
	case "mysql", "mariadb":
		return NewMySQLAdapter(opts), nil
	case "postgres", "postgresql", "pgsql":
		return NewPostgresAdapter(opts), nil
	case "mongodb", "mongo":
		return NewMongoAdapter(opts), nil
	case "sqlite", "sqlite3":
		return NewSQLiteAdapter(opts), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// finishDump checks the produced file and rejects empty output.
func finishDump(path, format string) (*DumpResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.DatabaseBackup("dump", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return nil, apperr.DatabaseBackup("dump", fmt.Errorf("%s is empty", filepath.Base(path)))
	}
	return &DumpResult{Path: path, Format: format, Size: info.Size()}, nil
}

// createDumpFile opens path for a tool to write into.
func createDumpFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, apperr.DatabaseBackup("dump", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, apperr.DatabaseBackup("dump", err)
	}
	return f, nil
}

func portOrDefault(port int, def int) string {
	if port == 0 {
		return strconv.Itoa(def)
	}
	return strconv.Itoa(port)
}
