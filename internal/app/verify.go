package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/archive"
	"github.com/vitalred/vrbackup/internal/cryptoutil"
	"github.com/vitalred/vrbackup/internal/manifest"
	"github.com/vitalred/vrbackup/internal/metrics"
	"github.com/vitalred/vrbackup/internal/util"
)

// opened is an artifact made readable as a directory.
type opened struct {
	Dir      string
	Manifest *manifest.Manifest
	cleanup  func()
}

func (o *opened) Close() {
	if o != nil && o.cleanup != nil {
		o.cleanup()
	}
}

// openArtifact decrypts and extracts artifact into a scratch directory
// under the temp base and reads its manifest. Staging directories are read
// in place. The scratch directory is removed by Close on every path.
func (a *App) openArtifact(ctx context.Context, artifact string) (*opened, error) {
	info, err := os.Stat(artifact)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		m, err := manifest.Read(artifact)
		if err != nil {
			return nil, apperr.Integrity("read manifest", err)
		}
		return &opened{Dir: artifact, Manifest: m}, nil
	}

	if err := os.MkdirAll(a.tempBase(), 0o750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	work, err := os.MkdirTemp(a.tempBase(), fmt.Sprintf("restore_temp_%d_", a.now().Unix()))
	if err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	o := &opened{cleanup: func() {
		if err := util.RemoveTree(context.Background(), work); err != nil {
			a.Log.Warn().Err(err).Str("path", work).Msg("failed to remove temp directory")
		}
	}}

	name := filepath.Base(artifact)
	src := artifact
	if strings.HasSuffix(name, cryptoutil.Extension) {
		key, err := a.encryptionKey()
		if err != nil {
			o.Close()
			return nil, apperr.Decryption("decrypt", err)
		}
		plain := filepath.Join(work, cryptoutil.PlainName(name))
		if err := cryptoutil.Open(ctx, artifact, plain, key); err != nil {
			o.Close()
			return nil, err
		}
		src = plain
	}

	if _, ok := archive.FormatOf(name); !ok {
		o.Close()
		return nil, fmt.Errorf("%s is not a backup artifact", name)
	}
	dir := filepath.Join(work, "extracted")
	if _, err := archive.Extract(ctx, src, dir); err != nil {
		o.Close()
		return nil, err
	}
	if src != artifact {
		_ = os.Remove(src)
	}

	m, err := manifest.Read(dir)
	if err != nil {
		o.Close()
		return nil, apperr.Integrity("read manifest", err)
	}
	o.Dir, o.Manifest = dir, m
	return o, nil
}

// Verify checks a completed backup against its manifest. The returned
// error reports operational failures only; problems are in the report.
func (a *App) Verify(ctx context.Context, name string) (*manifest.Report, error) {
	start := a.now()
	artifact, err := a.Locate(name)
	if err != nil {
		return nil, err
	}
	report, err := a.verifyArtifact(ctx, artifact)
	if a.Metrics != nil {
		a.Metrics.ObserveRun(metrics.OperationVerify, "", firstErr(err, reportErr(report)), a.now().Sub(start))
		a.Metrics.ObserveVerify(report)
	}
	return report, err
}

func (a *App) verifyArtifact(ctx context.Context, artifact string) (*manifest.Report, error) {
	o, err := a.openArtifact(ctx, artifact)
	if err != nil {
		return nil, err
	}
	defer o.Close()

	report, err := manifest.Verify(ctx, o.Dir, o.Manifest, a.Cfg.Backup.MaxParallelism)
	if err != nil {
		return nil, err
	}
	if report.BackupID == "" {
		report.BackupID = archive.TrimExtension(filepath.Base(artifact))
	}
	a.Log.Info().
		Str("backup_id", report.BackupID).
		Int("files", len(report.Results)).
		Int("problems", len(report.Problems())).
		Msg("verification finished")
	return report, nil
}

func reportErr(r *manifest.Report) error {
	if r == nil {
		return nil
	}
	return r.Err()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
