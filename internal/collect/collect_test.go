package collect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/db"
	"github.com/vitalred/vrbackup/internal/manifest"
)

type fakeAdapter struct {
	content string
	err     error
	dumps   int
}

func (f *fakeAdapter) Name() string { return "mysql" }

func (f *fakeAdapter) Validate(context.Context, config.DatabaseConfig) error { return nil }

func (f *fakeAdapter) Dump(_ context.Context, _ config.DatabaseConfig, dir string) (*db.DumpResult, error) {
	f.dumps++
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(dir, db.MySQLDumpFile)
	if err := os.WriteFile(path, []byte(f.content), 0o600); err != nil {
		return nil, err
	}
	return &db.DumpResult{Path: path, Format: db.FormatNative, Size: int64(len(f.content))}, nil
}

func (f *fakeAdapter) Load(context.Context, config.DatabaseConfig, db.DumpResult) error { return nil }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newCollector(t *testing.T, adapter db.Adapter) (*Collector, string) {
	t.Helper()
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "storage/app/referrals/r1.pdf"), "pdf-1")
	writeFile(t, filepath.Join(base, "storage/app/referrals/r2.pdf"), "pdf-2")
	writeFile(t, filepath.Join(base, "storage/app/cache/tmp.swp"), "swap")
	writeFile(t, filepath.Join(base, "storage/logs/laravel.log"), "log line\n")
	writeFile(t, filepath.Join(base, ".env"), "APP_KEY=base64:abc\n")
	writeFile(t, filepath.Join(base, "config/app.php"), "<?php return [];\n")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "public/uploads/empty"), 0o755))

	cfg := config.BackupConfig{
		Root:        filepath.Join(t.TempDir(), "backups"),
		BasePath:    base,
		Sources:     config.DefaultSources(),
		ConfigFiles: config.DefaultConfigFiles(),
		Exclude:     []string{"*.swp"},
	}
	return New(cfg, config.DatabaseConfig{Database: "vitalred"}, adapter, zerolog.Nop()), base
}

func TestCollectFull(t *testing.T) {
	adapter := &fakeAdapter{content: "CREATE TABLE `usuarios` (`id` int);\n"}
	c, base := newCollector(t, adapter)

	snap, err := c.Collect(context.Background(), "vital_red_backup_full_2024-01-01_02-00-00", TypeFull)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(c.backup.Root, "vital_red_backup_full_2024-01-01_02-00-00"), snap.Dir)
	_, err = os.Stat(snap.Dir + ".partial")
	require.True(t, os.IsNotExist(err))

	for _, rel := range []string{
		"database_backup.sql",
		"storage_app/referrals/r1.pdf",
		"storage_app/referrals/r2.pdf",
		"storage_logs/laravel.log",
		"config/.env",
		"config/config/app.php",
	} {
		_, err := os.Stat(filepath.Join(snap.Dir, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
	}
	_, err = os.Stat(filepath.Join(snap.Dir, "storage_app/cache/tmp.swp"))
	require.True(t, os.IsNotExist(err), "excluded file must not be staged")
	info, err := os.Stat(filepath.Join(snap.Dir, "public_uploads/empty"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.Equal(t, "mysql", snap.Database.Driver)
	require.Equal(t, "database_backup.sql", snap.Database.File)
	require.Equal(t, 6, snap.Files)

	kinds := map[string]int{}
	for _, s := range snap.Sources {
		kinds[s.Kind]++
	}
	// storage_app, storage_logs and public_uploads exist; ia_* do not.
	require.Equal(t, map[string]int{manifest.SourceDatabase: 1, manifest.SourceFiles: 3, manifest.SourceConfig: 2}, kinds)
	require.Equal(t, filepath.Join(base, "storage/app"), snap.Sources[1].Path)
}

func TestCollectPreservesModificationTimes(t *testing.T) {
	c, base := newCollector(t, nil)
	old := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	src := filepath.Join(base, "storage/logs/laravel.log")
	require.NoError(t, os.Chtimes(src, old, old))

	snap, err := c.Collect(context.Background(), "vital_red_backup_files_2024-01-01_02-00-00", TypeFiles)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(snap.Dir, "storage_logs/laravel.log"))
	require.NoError(t, err)
	require.True(t, info.ModTime().Equal(old))
}

func TestCollectTypeSelectsComponents(t *testing.T) {
	adapter := &fakeAdapter{content: "SELECT 1;\n"}
	c, _ := newCollector(t, adapter)

	snap, err := c.Collect(context.Background(), "vital_red_backup_database_2024-01-01_02-00-00", TypeDatabase)
	require.NoError(t, err)
	entries, err := os.ReadDir(snap.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "database_backup.sql", entries[0].Name())

	snap, err = c.Collect(context.Background(), "vital_red_backup_files_2024-01-01_02-00-00", TypeFiles)
	require.NoError(t, err)
	require.Nil(t, snap.Database)
	_, err = os.Stat(filepath.Join(snap.Dir, "database_backup.sql"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(snap.Dir, ConfigDir))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, 1, adapter.dumps)
}

func TestCollectToleratesMissingSources(t *testing.T) {
	c, _ := newCollector(t, nil)
	c.backup.BasePath = t.TempDir()

	snap, err := c.Collect(context.Background(), "vital_red_backup_files_2024-01-01_02-00-00", TypeFiles)
	require.NoError(t, err)
	require.Empty(t, snap.Sources)
	entries, err := os.ReadDir(snap.Dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCollectDumpFailureLeavesPartial(t *testing.T) {
	dumpErr := apperr.DatabaseBackup("mysqldump", errors.New("exit status 2")).WithDetail("Access denied")
	c, _ := newCollector(t, &fakeAdapter{err: dumpErr})

	id := "vital_red_backup_full_2024-01-01_02-00-00"
	_, err := c.Collect(context.Background(), id, TypeFull)
	require.True(t, apperr.Is(err, apperr.KindDatabaseBackup))
	require.Contains(t, err.Error(), "Access denied")

	_, err = os.Stat(filepath.Join(c.backup.Root, id+".partial"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(c.backup.Root, id))
	require.True(t, os.IsNotExist(err))
}

func TestCollectRejectsExistingBackup(t *testing.T) {
	c, _ := newCollector(t, nil)
	id := "vital_red_backup_files_2024-01-01_02-00-00"
	_, err := c.Collect(context.Background(), id, TypeFiles)
	require.NoError(t, err)
	_, err = c.Collect(context.Background(), id, TypeFiles)
	require.Error(t, err)
}

func TestConfigTarget(t *testing.T) {
	require.Equal(t, ".env", configTarget(".env"))
	require.Equal(t, "ia/config.json", configTarget("ia/config.json"))
	require.Equal(t, "secrets.env", configTarget("/etc/vitalred/secrets.env"))
	require.Equal(t, "shared.env", configTarget("../shared.env"))
}

func TestCopySourceCountsOnlyCopiedFiles(t *testing.T) {
	src := filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("bravo"), 0o644))

	// A directory where b.txt should land makes that copy fail.
	target := filepath.Join(t.TempDir(), "public_uploads")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "b.txt"), 0o755))

	info, err := os.Stat(src)
	require.NoError(t, err)
	c := &Collector{log: zerolog.Nop()}
	files, n, err := c.copySource(context.Background(), src, target, info)
	require.Error(t, err)
	require.Equal(t, 1, files)
	require.EqualValues(t, len("alpha"), n)
}
