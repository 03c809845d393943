package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/archive"
	"github.com/vitalred/vrbackup/internal/collect"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/db"
	"github.com/vitalred/vrbackup/internal/manifest"
	"github.com/vitalred/vrbackup/internal/metrics"
	"github.com/vitalred/vrbackup/internal/notify"
	"github.com/vitalred/vrbackup/internal/storage"
	"github.com/vitalred/vrbackup/internal/util"
)

type RestoreRequest struct {
	Name         string
	Remote       bool
	DryRun       bool
	SkipDatabase bool
	SkipFiles    bool
	SkipVerify   bool
}

func (a *App) DefaultRestoreRequest(name string) RestoreRequest {
	return RestoreRequest{
		Name:         name,
		DryRun:       a.Cfg.Restore.DryRun,
		SkipDatabase: a.Cfg.Restore.SkipDatabase,
		SkipFiles:    a.Cfg.Restore.SkipFiles,
		SkipVerify:   a.Cfg.Restore.SkipVerify,
	}
}

// RestoreStep is one planned or completed action.
type RestoreStep struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Target string `json:"target"`
	Done   bool   `json:"done"`
}

type RestoreResult struct {
	BackupID string        `json:"backup_id"`
	Type     string        `json:"type"`
	Artifact string        `json:"artifact"`
	Verified bool          `json:"verified"`
	DryRun   bool          `json:"dry_run"`
	Steps    []RestoreStep `json:"steps"`
}

// Restore loads the database dump and copies file sources back to the
// locations recorded in the manifest. Verification runs first unless
// skipped; a failed database load stops the restore before any file is
// touched.
func (a *App) Restore(ctx context.Context, req RestoreRequest) (res *RestoreResult, err error) {
	start := a.now()
	log := a.Log.With().Str("backup", req.Name).Bool("dry_run", req.DryRun).Logger()
	event := notify.Event{Type: "restore", BackupID: req.Name, StartedAt: start}
	defer func() {
		if err != nil {
			err = apperr.WithBackup(err, req.Name)
			log.Error().Err(err).Msg("restore failed")
			event.Message = fmt.Sprintf("restore of %s failed", req.Name)
		} else {
			event.BackupType = res.Type
			event.Message = fmt.Sprintf("restore of %s completed", res.BackupID)
		}
		if a.Metrics != nil {
			a.Metrics.ObserveRun(metrics.OperationRestore, event.BackupType, err, a.now().Sub(start))
		}
		if !req.DryRun || err != nil {
			a.notify(event, err)
		}
	}()

	guard, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	artifact, cleanup, err := a.resolveRestoreSource(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	log.Info().Str("artifact", artifact).Msg("restore started")
	o, err := a.openArtifact(ctx, artifact)
	if err != nil {
		return nil, err
	}
	defer o.Close()

	m := o.Manifest
	res = &RestoreResult{
		BackupID: m.BackupInfo.Name,
		Type:     m.BackupInfo.Type,
		Artifact: artifact,
		DryRun:   req.DryRun,
	}
	if res.BackupID == "" {
		res.BackupID = archive.TrimExtension(filepath.Base(artifact))
	}

	if !req.SkipVerify {
		report, err := manifest.Verify(ctx, o.Dir, m, a.Cfg.Backup.MaxParallelism)
		if err != nil {
			return nil, err
		}
		report.BackupID = res.BackupID
		if err := report.Err(); err != nil {
			return nil, err
		}
		res.Verified = true
	}

	restoreDB := collect.IncludesDatabase(m.BackupInfo.Type) && !req.SkipDatabase
	restoreFiles := collect.IncludesFiles(m.BackupInfo.Type) && !req.SkipFiles

	var dump *db.DumpResult
	if restoreDB {
		if dump, err = findDump(o.Dir, m); err != nil {
			return nil, apperr.Restore("locate database dump", err)
		}
		res.Steps = append(res.Steps, RestoreStep{Kind: manifest.SourceDatabase, Source: filepath.Base(dump.Path), Target: a.Cfg.Database.Database})
	}
	var sources []manifest.Source
	if restoreFiles {
		sources = a.restorableSources(m)
		for _, src := range sources {
			res.Steps = append(res.Steps, RestoreStep{Kind: src.Kind, Source: src.Target, Target: src.Path})
		}
	}
	if req.DryRun {
		log.Info().Int("steps", len(res.Steps)).Msg("dry run, nothing restored")
		return res, nil
	}

	step := 0
	if restoreDB {
		if a.Adapter == nil {
			return nil, apperr.Restore("load database", errors.New("no database adapter configured"))
		}
		if err := a.Adapter.Load(ctx, a.Cfg.Database, *dump); err != nil {
			if apperr.KindOf(err) == "" {
				err = apperr.Restore("load database", err)
			}
			return nil, err
		}
		res.Steps[step].Done = true
		step++
		log.Info().Str("driver", a.Adapter.Name()).Msg("database restored")
	}
	for _, src := range sources {
		if err := a.restoreSource(ctx, o.Dir, src); err != nil {
			return nil, apperr.Restore("restore files", fmt.Errorf("%s: %w", src.Name, err))
		}
		res.Steps[step].Done = true
		step++
		log.Debug().Str("source", src.Name).Str("path", src.Path).Msg("source restored")
	}

	log.Info().Str("backup_id", res.BackupID).Int("steps", len(res.Steps)).Dur("elapsed", a.now().Sub(start)).Msg("restore completed")
	return res, nil
}

// resolveRestoreSource returns a local artifact path for req. Remote
// artifacts are downloaded into the temp base first and removed by the
// returned cleanup.
func (a *App) resolveRestoreSource(ctx context.Context, req RestoreRequest) (string, func(), error) {
	noop := func() {}
	if !req.Remote {
		p, err := a.Locate(req.Name)
		return p, noop, err
	}
	if a.Storage == nil {
		return "", noop, errors.New("no remote storage configured")
	}
	if err := ValidateName(req.Name); err != nil {
		return "", noop, err
	}
	key, err := a.findRemote(ctx, req.Name)
	if err != nil {
		return "", noop, err
	}
	if err := os.MkdirAll(a.tempBase(), 0o750); err != nil {
		return "", noop, fmt.Errorf("create temp directory: %w", err)
	}
	dir, err := os.MkdirTemp(a.tempBase(), "download_")
	if err != nil {
		return "", noop, fmt.Errorf("create temp directory: %w", err)
	}
	cleanup := func() { _ = util.RemoveTree(context.Background(), dir) }
	dst := filepath.Join(dir, path.Base(key))
	var n int64
	err = util.Retry(ctx, a.Cfg.Backup.RetryCount, a.Cfg.Backup.RetryBackoff, func() error {
		var err error
		n, err = storage.GetFile(ctx, a.Storage, key, dst)
		return err
	})
	if err != nil {
		cleanup()
		return "", noop, err
	}
	a.Log.Info().Str("backend", a.Storage.Name()).Str("key", key).Int64("bytes", n).Msg("artifact downloaded")
	return dst, cleanup, nil
}

// findRemote matches name against remote artifact names and their ids.
func (a *App) findRemote(ctx context.Context, name string) (string, error) {
	objects, err := storage.Artifacts(ctx, a.Storage, util.BuildPrefix(a.Cfg.Storage.Prefix), a.Cfg.Backup.NamePrefix)
	if err != nil {
		return "", err
	}
	for _, obj := range objects {
		base := path.Base(obj.Key)
		if base == name || archive.TrimExtension(base) == name {
			return obj.Key, nil
		}
	}
	return "", fmt.Errorf("%s on %s: %w", name, a.Storage.Name(), ErrNotFound)
}

// findDump locates the database dump inside an opened backup, preferring
// the file named in the manifest.
func findDump(dir string, m *manifest.Manifest) (*db.DumpResult, error) {
	if info := m.BackupInfo.Database; info != nil && info.File != "" {
		p := filepath.Join(dir, filepath.FromSlash(info.File))
		if _, err := os.Stat(p); err != nil {
			return nil, err
		}
		return &db.DumpResult{Path: p, Format: info.Format}, nil
	}
	for _, name := range []string{db.MySQLDumpFile, db.MongoDumpFile, db.SQLiteDumpFile} {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return &db.DumpResult{Path: p, Format: db.FormatNative, Size: info.Size()}, nil
		}
	}
	return nil, errors.New("backup contains no database dump")
}

// restorableSources returns the file and config sources to copy back.
// Manifests without a sources section fall back to the default layout
// resolved against the configured base path.
func (a *App) restorableSources(m *manifest.Manifest) []manifest.Source {
	out := append(m.SourcesOfKind(manifest.SourceFiles), m.SourcesOfKind(manifest.SourceConfig)...)
	if len(m.Sources) > 0 {
		return out
	}
	for _, src := range config.DefaultSources() {
		out = append(out, manifest.Source{
			Name:   src.Name,
			Kind:   manifest.SourceFiles,
			Path:   filepath.Join(a.Cfg.Backup.BasePath, filepath.FromSlash(src.Path)),
			Target: src.Name,
			IsDir:  true,
		})
	}
	return out
}

// restoreSource replaces the content at src.Path with the staged copy.
// Sources absent from the backup are left alone.
func (a *App) restoreSource(ctx context.Context, dir string, src manifest.Source) error {
	staged := filepath.Join(dir, filepath.FromSlash(src.Target))
	info, err := os.Stat(staged)
	if errors.Is(err, fs.ErrNotExist) {
		a.Log.Debug().Str("source", src.Name).Msg("source not in backup, skipped")
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		_, err := util.CopyFile(staged, src.Path, info)
		return err
	}
	if err := util.RemoveTree(ctx, src.Path); err != nil {
		return fmt.Errorf("clear %s: %w", src.Path, err)
	}
	_, err = util.CopyTree(ctx, staged, src.Path)
	return err
}
