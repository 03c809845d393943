package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/archive"
	"github.com/vitalred/vrbackup/internal/collect"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/cryptoutil"
	"github.com/vitalred/vrbackup/internal/lock"
	"github.com/vitalred/vrbackup/internal/manifest"
	"github.com/vitalred/vrbackup/internal/metrics"
	"github.com/vitalred/vrbackup/internal/notify"
	"github.com/vitalred/vrbackup/internal/retention"
	"github.com/vitalred/vrbackup/internal/storage"
	"github.com/vitalred/vrbackup/internal/util"
	"github.com/vitalred/vrbackup/internal/version"
)

// ErrOutsideWindow rejects a run started outside schedule.window_start
// and schedule.window_end.
var ErrOutsideWindow = errors.New("current time is outside the configured backup window")

// Stage names used for timings, logs and metrics.
const (
	StageCollect  = "collect"
	StageManifest = "manifest"
	StageArchive  = "archive"
	StageEncrypt  = "encrypt"
	StageVerify   = "verify"
	StageUpload   = "upload"
	StageSweep    = "sweep"
)

// BackupRequest selects what one run produces. DefaultBackupRequest fills
// it from configuration; callers override individual fields.
type BackupRequest struct {
	Type         string
	Compress     bool
	Format       string
	Encrypt      bool
	Verify       bool
	Retention    config.Retention
	IgnoreWindow bool
}

func (a *App) DefaultBackupRequest() BackupRequest {
	return BackupRequest{
		Type:      a.Cfg.Backup.Type,
		Compress:  a.Cfg.Backup.Compress,
		Format:    a.Cfg.Backup.Format,
		Encrypt:   a.Cfg.Backup.Encrypt,
		Verify:    a.Cfg.Backup.Verify,
		Retention: a.Cfg.Backup.RetentionPolicy,
	}
}

type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

type BackupResult struct {
	RunID      string           `json:"run_id"`
	BackupID   string           `json:"backup_id"`
	Type       string           `json:"type"`
	Path       string           `json:"path"`
	RemoteKey  string           `json:"remote_key,omitempty"`
	Size       int64            `json:"size"`
	SizeHuman  string           `json:"size_human"`
	Files      int              `json:"files"`
	Compressed bool             `json:"compressed"`
	Encrypted  bool             `json:"encrypted"`
	Verified   bool             `json:"verified"`
	Timings    []StageTiming    `json:"timings"`
	Swept      []retention.Item `json:"-"`
	Started    time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
}

// BackupWithRetry runs Backup under the configured attempt budget.
// Integrity and decryption failures are never retried, and neither is a
// run that found the lock taken or fell outside the backup window.
func (a *App) BackupWithRetry(ctx context.Context, req BackupRequest) (*BackupResult, error) {
	var res *BackupResult
	policy := util.RetryPolicy{
		Attempts:  a.Cfg.Backup.RetryCount,
		Backoff:   a.Cfg.Backup.RetryBackoff,
		Retryable: retryable,
		OnRetry: func(attempt int, err error) {
			a.Log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", a.Cfg.Backup.RetryBackoff).Msg("backup failed, retrying")
		},
	}
	err := policy.Do(ctx, func() error {
		var err error
		res, err = a.Backup(ctx, req)
		return err
	})
	return res, err
}

func retryable(err error) bool {
	var busy *lock.ErrBusy
	if errors.As(err, &busy) || errors.Is(err, ErrOutsideWindow) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return apperr.Retryable(err)
}

// Backup runs collect, manifest, archive, encrypt, verify, upload and sweep
// in order. A failure in any stage aborts the run; the sweep never touches
// the artifact produced by this run.
func (a *App) Backup(ctx context.Context, req BackupRequest) (res *BackupResult, err error) {
	start := a.now()
	runID := uuid.NewString()
	log := a.Log.With().Str("run_id", runID).Str("type", req.Type).Logger()
	event := notify.Event{Type: "backup", BackupType: req.Type, StartedAt: start}

	var backupID string
	defer func() {
		if err != nil {
			err = apperr.WithBackup(err, backupID)
			log.Error().Err(err).Str("backup_id", backupID).Str("stage", stageOf(err)).Msg("backup failed")
			event.Message = fmt.Sprintf("backup %s failed", backupID)
		} else {
			event.Message = fmt.Sprintf("backup %s completed (%s)", backupID, res.SizeHuman)
			event.Artifact = res.Path
			event.SizeBytes = res.Size
		}
		event.BackupID = backupID
		if a.Metrics != nil {
			a.Metrics.ObserveRun(metrics.OperationBackup, req.Type, err, a.now().Sub(start))
			a.writeTextfile(log)
		}
		a.notify(event, err)
	}()

	if !collect.IncludesDatabase(req.Type) && !collect.IncludesFiles(req.Type) {
		return nil, fmt.Errorf("unknown backup type %q", req.Type)
	}
	guard, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	if !req.IgnoreWindow {
		ok, err := util.InWindow(a.now(), a.Cfg.Schedule.WindowStart, a.Cfg.Schedule.WindowEnd, a.Cfg.Schedule.Timezone)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrOutsideWindow
		}
	}

	if req.Encrypt && !req.Compress {
		log.Warn().Msg("encryption requires an archive, enabling compression")
		req.Compress = true
	}
	if req.Compress && req.Format == "" {
		req.Format = archive.FormatZip
	}
	var key []byte
	if req.Encrypt {
		if key, err = a.encryptionKey(); err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	}
	if collect.IncludesDatabase(req.Type) && a.Adapter == nil {
		return nil, errors.New("database backups need a configured database")
	}

	backupID = util.BuildBackupID(a.Cfg.Backup.NamePrefix, req.Type, start)
	log = log.With().Str("backup_id", backupID).Logger()
	log.Info().Bool("compress", req.Compress).Bool("encrypt", req.Encrypt).Msg("backup started")

	res = &BackupResult{RunID: runID, BackupID: backupID, Type: req.Type, Started: start}
	timed := func(stage string, fn func() error) error {
		t := a.now()
		err := fn()
		d := a.now().Sub(t)
		res.Timings = append(res.Timings, StageTiming{Stage: stage, Duration: d})
		if a.Metrics != nil {
			a.Metrics.ObserveStage(stage, d)
		}
		log.Debug().Str("stage", stage).Dur("elapsed", d).Err(err).Msg("stage finished")
		return err
	}

	collector := collect.New(a.Cfg.Backup, a.Cfg.Database, a.Adapter, log)
	var snap *collect.Snapshot
	if err := timed(StageCollect, func() (err error) {
		snap, err = collector.Collect(ctx, backupID, req.Type)
		return err
	}); err != nil {
		return nil, err
	}
	res.Path = snap.Dir

	var m *manifest.Manifest
	if err := timed(StageManifest, func() (err error) {
		m, err = manifest.Build(ctx, snap.Dir, manifest.Options{
			Info:        a.backupInfo(backupID, req, snap),
			System:      manifest.CurrentSystem(a.driverName()),
			Sources:     snap.Sources,
			Parallelism: a.Cfg.Backup.MaxParallelism,
			Now:         func() time.Time { return start },
		})
		if err != nil {
			return err
		}
		return manifest.Write(snap.Dir, m)
	}); err != nil {
		return nil, err
	}
	if len(m.BackupContents) == 0 {
		log.Warn().Msg("backup contains no files")
	}
	res.Files = len(m.BackupContents)

	if req.Compress {
		if err := timed(StageArchive, func() error {
			out, err := archive.Compress(ctx, snap.Dir, archive.Options{Format: req.Format, Level: a.Cfg.Backup.Level})
			if err != nil {
				return err
			}
			res.Path, res.Compressed = out.Path, true
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if req.Encrypt {
		if err := timed(StageEncrypt, func() error {
			sealed, err := cryptoutil.Seal(ctx, res.Path, key)
			if err != nil {
				return err
			}
			res.Path, res.Encrypted = sealed, true
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if req.Verify {
		if err := timed(StageVerify, func() error {
			report, err := a.verifyArtifact(ctx, res.Path)
			if err != nil {
				return err
			}
			if a.Metrics != nil {
				a.Metrics.ObserveVerify(report)
			}
			return report.Err()
		}); err != nil {
			return nil, err
		}
		res.Verified = true
	}

	if res.Size, err = util.TreeSize(ctx, res.Path); err != nil {
		return nil, fmt.Errorf("measure artifact: %w", err)
	}
	res.SizeHuman = humanize.IBytes(uint64(res.Size))

	if a.Storage != nil {
		if err := timed(StageUpload, func() error { return a.upload(ctx, res, m, log) }); err != nil {
			return nil, err
		}
	}

	_ = timed(StageSweep, func() error {
		res.Swept = a.sweep(ctx, req.Retention, log, filepath.Base(res.Path))
		return nil
	})

	res.Duration = a.now().Sub(start)
	if a.Metrics != nil {
		a.Metrics.BackupSucceeded(req.Type, res.Size, a.now())
	}
	log.Info().
		Str("artifact", res.Path).
		Int64("bytes", res.Size).
		Str("size", res.SizeHuman).
		Int("files", res.Files).
		Dur("elapsed", res.Duration).
		Msg("backup completed")
	return res, nil
}

func (a *App) backupInfo(id string, req BackupRequest, snap *collect.Snapshot) manifest.BackupInfo {
	appVersion := a.Cfg.Global.AppVersion
	if appVersion == "" {
		appVersion = version.Version
	}
	env := a.Cfg.Global.Environment
	if env == "" {
		env = "production"
	}
	return manifest.BackupInfo{
		Name:        id,
		Type:        req.Type,
		Version:     appVersion,
		Environment: env,
		Compressed:  req.Compress,
		Encrypted:   req.Encrypt,
		Database:    snap.Database,
	}
}

func (a *App) driverName() string {
	if a.Adapter == nil {
		return a.Cfg.Database.Type
	}
	return a.Adapter.Name()
}

// upload mirrors the artifact, and optionally its manifest, to the
// configured backend. Uncompressed staging directories are not mirrored.
func (a *App) upload(ctx context.Context, res *BackupResult, m *manifest.Manifest, log zerolog.Logger) error {
	if !res.Compressed {
		log.Warn().Msg("remote mirror skipped: uncompressed backups are kept locally only")
		return nil
	}
	name := filepath.Base(res.Path)
	key := util.BuildObjectKey(a.Cfg.Storage.Prefix, name)
	meta := map[string]string{"backup-id": res.BackupID, "backup-type": res.Type}
	policy := util.RetryPolicy{
		Attempts: a.Cfg.Backup.RetryCount,
		Backoff:  a.Cfg.Backup.RetryBackoff,
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Str("key", key).Msg("upload failed, retrying")
		},
	}
	err := policy.Do(ctx, func() error {
		_, err := storage.PutFile(ctx, a.Storage, key, res.Path, meta)
		return err
	})
	if err != nil {
		return err
	}
	res.RemoteKey = key
	log.Info().Str("backend", a.Storage.Name()).Str("key", key).Msg("artifact mirrored")

	if a.Cfg.Storage.UploadManifest {
		data, err := manifest.Marshal(m)
		if err != nil {
			return err
		}
		if err := a.Storage.Put(ctx, storage.ManifestKey(key), bytes.NewReader(data), int64(len(data)), meta); err != nil {
			log.Warn().Err(err).Msg("manifest sidecar upload failed")
		}
	}
	return nil
}

// sweep applies retention locally and, when enabled, on the mirror.
// Failures are logged per item and never fail the run.
func (a *App) sweep(ctx context.Context, policy config.Retention, log zerolog.Logger, protect ...string) []retention.Item {
	s := &retention.Sweeper{
		Root:              a.Cfg.Backup.Root,
		Prefix:            a.Cfg.Backup.NamePrefix,
		Policy:            policy,
		StalePartialAfter: a.Cfg.Backup.StalePartialAfter,
		Now:               a.now,
		Log:               log,
	}
	items, err := s.Sweep(ctx, protect...)
	if err != nil {
		log.Warn().Err(err).Msg("local retention sweep failed")
	}
	if a.Metrics != nil {
		a.Metrics.ObserveSweep("local", items)
	}

	if a.Storage != nil && a.Cfg.Storage.ApplyRetention {
		remote, err := storage.Sweep(ctx, a.Storage, util.BuildPrefix(a.Cfg.Storage.Prefix), a.Cfg.Backup.NamePrefix, policy, a.now(), protect...)
		if err != nil {
			log.Warn().Err(err).Msg("remote retention sweep failed")
		}
		for _, it := range remote {
			if it.Err != nil {
				log.Warn().Err(it.Err).Str("key", it.Path).Msg("remote retention delete failed")
			}
		}
		if a.Metrics != nil {
			a.Metrics.ObserveSweep("remote", remote)
		}
		items = append(items, remote...)
	}
	return items
}

func (a *App) writeTextfile(log zerolog.Logger) {
	if a.Cfg.Metrics.Textfile == "" {
		return
	}
	if err := a.Metrics.WriteTextfile(a.Cfg.Metrics.Textfile); err != nil {
		log.Warn().Err(err).Str("path", a.Cfg.Metrics.Textfile).Msg("failed to write metrics textfile")
	}
}

func stageOf(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
