// Package app wires the pipeline stages into the operations exposed by the
// CLI, the API server and the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/cryptoutil"
	"github.com/vitalred/vrbackup/internal/db"
	"github.com/vitalred/vrbackup/internal/lock"
	"github.com/vitalred/vrbackup/internal/metrics"
	"github.com/vitalred/vrbackup/internal/notify"
	"github.com/vitalred/vrbackup/internal/storage"
	"github.com/vitalred/vrbackup/internal/util"
)

var (
	// ErrNotFound is returned when a named backup does not exist.
	ErrNotFound    = errors.New("backup not found")
	ErrInvalidName = errors.New("invalid backup name")
)

type App struct {
	Cfg      *config.Config
	Adapter  db.Adapter
	Storage  storage.Storage
	Log      zerolog.Logger
	Notifier notify.Notifier
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

// New builds an App. store, notifier and recorder may be nil.
func New(cfg *config.Config, adapter db.Adapter, store storage.Storage, log zerolog.Logger, notifier notify.Notifier, recorder *metrics.Recorder) *App {
	return &App{Cfg: cfg, Adapter: adapter, Storage: store, Log: log, Notifier: notifier, Metrics: recorder, Now: time.Now}
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *App) acquire() (*lock.Lock, error) {
	return lock.Acquire(a.Cfg.Global.LockFile)
}

func (a *App) notify(event notify.Event, err error) {
	if a.Notifier == nil {
		return
	}
	event.Status = statusFromErr(err)
	event.EndedAt = a.now()
	event.Duration = event.EndedAt.Sub(event.StartedAt).Round(time.Millisecond).String()
	if err != nil {
		event.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if nerr := a.Notifier.Notify(ctx, event); nerr != nil {
		a.Log.Warn().Err(nerr).Str("event", event.Type).Msg("notification failed")
	}
}

func (a *App) encryptionKey() ([]byte, error) {
	if a.Cfg.Backup.EncryptionKey == "" {
		return nil, errors.New("backup.encryption_key is not set")
	}
	return cryptoutil.ParseKey(a.Cfg.Backup.EncryptionKey)
}

// ValidateName accepts only a single path element, so API and CLI names can
// never address anything outside the backup root.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	return nil
}

// Locate resolves a backup id or artifact name to a completed artifact
// under the backup root. A bare id matches its staging directory, archive
// or encrypted archive, in that order of precedence from the newest stage.
func (a *App) Locate(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	root := a.Cfg.Backup.Root
	direct := filepath.Join(root, name)
	if _, err := os.Stat(direct); err == nil && !strings.HasSuffix(name, ".partial") {
		return direct, nil
	}
	for _, format := range []string{"zip", "tar.gz", "tar.zst", "tar.lz4"} {
		for _, suffix := range []string{"." + format + cryptoutil.Extension, "." + format} {
			candidate := direct + suffix
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

func statusFromErr(err error) string {
	if err == nil {
		return notify.StatusSuccess
	}
	return notify.StatusFailure
}

// tempBase is the parent directory for restore and verification scratch
// space.
func (a *App) tempBase() string {
	if a.Cfg.Restore.TempDir != "" {
		return a.Cfg.Restore.TempDir
	}
	return os.TempDir()
}

// Validate checks database connectivity for the configured backup type
// and, when a mirror is configured, that it can be listed.
func (a *App) Validate(ctx context.Context) error {
	if a.Adapter != nil {
		if err := a.Adapter.Validate(ctx, a.Cfg.Database); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.Log.Info().Str("driver", a.Adapter.Name()).Msg("database reachable")
	}
	if a.Storage != nil {
		if _, err := a.Storage.List(ctx, util.BuildPrefix(a.Cfg.Storage.Prefix)); err != nil {
			return fmt.Errorf("storage %s: %w", a.Storage.Name(), err)
		}
		a.Log.Info().Str("backend", a.Storage.Name()).Msg("storage reachable")
	}
	if err := os.MkdirAll(a.Cfg.Backup.Root, 0o750); err != nil {
		return fmt.Errorf("backup root: %w", err)
	}
	return nil
}
