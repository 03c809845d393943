// Package collect stages the database dump, application file trees and
// configuration files of one backup run into a directory under the backup
// root.
package collect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/archive"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/db"
	"github.com/vitalred/vrbackup/internal/manifest"
	"github.com/vitalred/vrbackup/internal/util"
)

const (
	TypeFull     = "full"
	TypeDatabase = "database"
	TypeFiles    = "files"
)

// ConfigDir is the staging subdirectory holding configuration files.
const ConfigDir = "config"

func IncludesDatabase(backupType string) bool {
	return backupType == TypeFull || backupType == TypeDatabase
}

func IncludesFiles(backupType string) bool {
	return backupType == TypeFull || backupType == TypeFiles
}

func IncludesConfig(backupType string) bool {
	return backupType == TypeFull
}

// Snapshot describes a completed staging directory.
type Snapshot struct {
	ID       string
	Type     string
	Dir      string
	Sources  []manifest.Source
	Database *manifest.DatabaseInfo
	Files    int
	Bytes    int64
	Timings  map[string]time.Duration
}

type Collector struct {
	backup   config.BackupConfig
	database config.DatabaseConfig
	adapter  db.Adapter
	log      zerolog.Logger
}

// New returns a collector. adapter may be nil when only file backups are
// taken.
func New(backup config.BackupConfig, database config.DatabaseConfig, adapter db.Adapter, log zerolog.Logger) *Collector {
	return &Collector{backup: backup, database: database, adapter: adapter, log: log}
}

// Collect stages a backup of the given type under <root>/<id>.partial and
// renames it to <root>/<id> once every component is in place. On error the
// partial directory is left behind for inspection and later sweeping.
func (c *Collector) Collect(ctx context.Context, id, backupType string) (*Snapshot, error) {
	final := filepath.Join(c.backup.Root, id)
	partial := final + archive.PartialSuffix
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("backup %s already exists", id)
	}
	if err := util.RemoveTree(ctx, partial); err != nil {
		return nil, fmt.Errorf("clear stale staging directory: %w", err)
	}
	if err := os.MkdirAll(partial, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	snap := &Snapshot{ID: id, Type: backupType, Timings: map[string]time.Duration{}}

	if IncludesDatabase(backupType) {
		start := time.Now()
		if err := c.collectDatabase(ctx, partial, snap); err != nil {
			return nil, err
		}
		snap.Timings[manifest.SourceDatabase] = time.Since(start)
	}
	if IncludesFiles(backupType) {
		start := time.Now()
		if err := c.collectSources(ctx, partial, snap); err != nil {
			return nil, err
		}
		snap.Timings[manifest.SourceFiles] = time.Since(start)
	}
	if IncludesConfig(backupType) {
		start := time.Now()
		if err := c.collectConfig(ctx, partial, snap); err != nil {
			return nil, err
		}
		snap.Timings[manifest.SourceConfig] = time.Since(start)
	}

	if err := os.Rename(partial, final); err != nil {
		return nil, fmt.Errorf("finalize staging directory: %w", err)
	}
	snap.Dir = final
	return snap, nil
}

func (c *Collector) collectDatabase(ctx context.Context, dir string, snap *Snapshot) error {
	if c.adapter == nil {
		return errors.New("no database adapter configured")
	}
	res, err := c.adapter.Dump(ctx, c.database, dir)
	if err != nil {
		return err
	}
	file := filepath.Base(res.Path)
	snap.Database = &manifest.DatabaseInfo{
		Driver:   c.adapter.Name(),
		Database: c.database.Database,
		File:     file,
		Format:   res.Format,
	}
	snap.Sources = append(snap.Sources, manifest.Source{
		Name:   manifest.SourceDatabase,
		Kind:   manifest.SourceDatabase,
		Path:   c.database.Database,
		Target: file,
	})
	snap.Files++
	snap.Bytes += res.Size
	c.log.Info().Str("driver", c.adapter.Name()).Str("format", res.Format).Int64("bytes", res.Size).Msg("database dumped")
	return nil
}

func (c *Collector) collectSources(ctx context.Context, dir string, snap *Snapshot) error {
	for _, src := range c.backup.Sources {
		origin := c.resolve(src.Path)
		info, err := os.Stat(origin)
		if errors.Is(err, fs.ErrNotExist) {
			c.log.Debug().Str("source", src.Name).Str("path", origin).Msg("source missing, skipped")
			continue
		}
		if err != nil {
			return fmt.Errorf("stat source %s: %w", src.Name, err)
		}
		target := filepath.Join(dir, src.Name)
		files, n, err := c.copySource(ctx, origin, target, info)
		if err != nil {
			return fmt.Errorf("copy source %s: %w", src.Name, err)
		}
		snap.Sources = append(snap.Sources, manifest.Source{
			Name:   src.Name,
			Kind:   manifest.SourceFiles,
			Path:   origin,
			Target: src.Name,
			IsDir:  info.IsDir(),
		})
		snap.Files += files
		snap.Bytes += n
		c.log.Debug().Str("source", src.Name).Int("files", files).Int64("bytes", n).Msg("source staged")
	}
	return nil
}

func (c *Collector) collectConfig(ctx context.Context, dir string, snap *Snapshot) error {
	for _, rel := range c.backup.ConfigFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		origin := c.resolve(rel)
		info, err := os.Stat(origin)
		if errors.Is(err, fs.ErrNotExist) {
			c.log.Debug().Str("file", rel).Msg("config file missing, skipped")
			continue
		}
		if err != nil {
			return fmt.Errorf("stat config file %s: %w", rel, err)
		}
		if info.IsDir() {
			continue
		}
		target := path.Join(ConfigDir, configTarget(rel))
		n, err := util.CopyFile(origin, filepath.Join(dir, filepath.FromSlash(target)), info)
		if err != nil {
			return fmt.Errorf("copy config file %s: %w", rel, err)
		}
		snap.Sources = append(snap.Sources, manifest.Source{
			Name:   rel,
			Kind:   manifest.SourceConfig,
			Path:   origin,
			Target: target,
		})
		snap.Files++
		snap.Bytes += n
	}
	return nil
}

// copySource copies a file or a directory tree, skipping excluded files.
func (c *Collector) copySource(ctx context.Context, origin, target string, info fs.FileInfo) (int, int64, error) {
	if !info.IsDir() {
		n, err := util.CopyFile(origin, target, info)
		if err != nil {
			return 0, 0, err
		}
		return 1, n, nil
	}
	var (
		files int
		bytes int64
	)
	err := util.WalkTree(ctx, origin, func(e util.Entry) error {
		if e.Rel != "." && c.excluded(e.Rel) {
			if e.IsDir {
				return filepath.SkipDir
			}
			return nil
		}
		dst := filepath.Join(target, filepath.FromSlash(e.Rel))
		if e.IsDir {
			return os.MkdirAll(dst, 0o750)
		}
		n, err := util.CopyFile(e.Path, dst, e.Info)
		if err != nil {
			return err
		}
		files++
		bytes += n
		return nil
	})
	return files, bytes, err
}

// excluded matches rel, and its base name, against backup.exclude.
func (c *Collector) excluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range c.backup.Exclude {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (c *Collector) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.backup.BasePath, filepath.FromSlash(p))
}

// configTarget keeps a config file's relative layout inside config/.
// Absolute paths keep only their base name.
func configTarget(rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Base(rel)
	}
	clean := path.Clean(filepath.ToSlash(rel))
	if clean == ".." || len(clean) > 2 && clean[:3] == "../" {
		return path.Base(clean)
	}
	return clean
}
