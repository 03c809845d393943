package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vitalred/vrbackup/internal/archive"
	"github.com/vitalred/vrbackup/internal/cryptoutil"
	"github.com/vitalred/vrbackup/internal/metrics"
	"github.com/vitalred/vrbackup/internal/notify"
	"github.com/vitalred/vrbackup/internal/retention"
	"github.com/vitalred/vrbackup/internal/storage"
	"github.com/vitalred/vrbackup/internal/util"
)

const (
	LocationLocal  = "local"
	LocationRemote = "remote"
)

// Backup is one listed artifact.
type Backup struct {
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Location   string    `json:"location"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	SizeHuman  string    `json:"size_human"`
	Created    time.Time `json:"created_at"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
	Format     string    `json:"format,omitempty"`
}

// List returns the completed backups, newest first. With remote set the
// mirror is listed instead of the local root.
func (a *App) List(ctx context.Context, remote bool) ([]Backup, error) {
	if remote {
		return a.listRemote(ctx)
	}
	artifacts, err := retention.List(a.Cfg.Backup.Root, a.Cfg.Backup.NamePrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := make([]Backup, 0, len(artifacts))
	for _, art := range artifacts {
		size, err := util.TreeSize(ctx, art.Path)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w", art.Name, err)
		}
		b := a.describe(art.Name, art.Path, LocationLocal, size, art.Modified)
		b.Compressed = !art.IsDir
		out = append(out, b)
	}
	if a.Metrics != nil {
		a.Metrics.SetArtifacts(len(out))
	}
	return out, nil
}

func (a *App) listRemote(ctx context.Context) ([]Backup, error) {
	if a.Storage == nil {
		return nil, errors.New("no remote storage configured")
	}
	objects, err := storage.Artifacts(ctx, a.Storage, util.BuildPrefix(a.Cfg.Storage.Prefix), a.Cfg.Backup.NamePrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.Storage.Name(), err)
	}
	artifacts := make([]retention.Artifact, 0, len(objects))
	sizes := make(map[string]int64, len(objects))
	for _, obj := range objects {
		name := path.Base(obj.Key)
		artifacts = append(artifacts, retention.Artifact{Name: name, Path: obj.Key, Modified: obj.Modified})
		sizes[obj.Key] = obj.Size
	}
	retention.SortNewestFirst(artifacts)
	out := make([]Backup, 0, len(artifacts))
	for _, art := range artifacts {
		b := a.describe(art.Name, art.Path, LocationRemote, sizes[art.Path], art.Modified)
		b.Compressed = true
		out = append(out, b)
	}
	return out, nil
}

func (a *App) describe(name, p, location string, size int64, modified time.Time) Backup {
	id := archive.TrimExtension(name)
	b := Backup{
		Name:      name,
		ID:        id,
		Location:  location,
		Path:      p,
		Size:      size,
		SizeHuman: humanize.IBytes(uint64(size)),
		Created:   modified,
		Encrypted: strings.HasSuffix(name, cryptoutil.Extension),
	}
	b.Format, _ = archive.FormatOf(name)
	if backupType, when, ok := util.ParseBackupID(a.Cfg.Backup.NamePrefix, id); ok {
		b.Type, b.Created = backupType, when
	}
	return b
}

// Delete removes one artifact, locally or from the mirror together with its
// manifest sidecar.
func (a *App) Delete(ctx context.Context, name string, remote bool) error {
	guard, err := a.acquire()
	if err != nil {
		return err
	}
	defer guard.Release()

	if remote {
		if a.Storage == nil {
			return errors.New("no remote storage configured")
		}
		if err := ValidateName(name); err != nil {
			return err
		}
		key, err := a.findRemote(ctx, name)
		if err != nil {
			return err
		}
		if err := a.Storage.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		if err := a.Storage.Delete(ctx, storage.ManifestKey(key)); err != nil {
			return fmt.Errorf("delete %s: %w", storage.ManifestKey(key), err)
		}
		a.Log.Info().Str("backend", a.Storage.Name()).Str("key", key).Msg("remote backup deleted")
		return nil
	}

	p, err := a.Locate(name)
	if err != nil {
		return err
	}
	if err := util.RemoveTree(ctx, p); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	a.Log.Info().Str("path", p).Msg("backup deleted")
	return nil
}

// PruneResult lists the sweep outcomes of a standalone prune.
type PruneResult struct {
	Items   []retention.Item
	Deleted int
	Failed  int
}

// Prune applies the configured retention policy outside a backup run.
func (a *App) Prune(ctx context.Context) (*PruneResult, error) {
	start := a.now()
	guard, err := a.acquire()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	items := a.sweep(ctx, a.Cfg.Backup.RetentionPolicy, a.Log)
	res := &PruneResult{Items: items}
	var errs []error
	for _, it := range items {
		switch it.Outcome {
		case retention.Deleted, retention.StalePartial:
			res.Deleted++
		case retention.Failed:
			res.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", it.Name, it.Err))
		}
	}
	err = errors.Join(errs...)
	if a.Metrics != nil {
		a.Metrics.ObserveRun(metrics.OperationPrune, "", err, a.now().Sub(start))
	}
	if res.Failed > 0 {
		a.notify(notify.Event{
			Type:      "prune",
			Message:   fmt.Sprintf("retention sweep failed for %d item(s)", res.Failed),
			StartedAt: start,
		}, err)
	}
	a.Log.Info().Int("deleted", res.Deleted).Int("failed", res.Failed).Msg("prune finished")
	return res, err
}

// Frequency classes reported by Stats.
const (
	FrequencyDaily            = "daily"
	FrequencyWeekly           = "weekly"
	FrequencyMonthly          = "monthly"
	FrequencyIrregular        = "irregular"
	FrequencyInsufficientData = "insufficient_data"
)

type StorageUsage struct {
	UsedSpace      int64   `json:"used_space"`
	UsedSpaceHuman string  `json:"used_space_human"`
	FileCount      int     `json:"file_count"`
	AverageSize    float64 `json:"average_backup_size"`
}

type Stats struct {
	TotalBackups   int            `json:"total_backups"`
	TotalSize      int64          `json:"total_size"`
	TotalSizeHuman string         `json:"total_size_human"`
	Latest         *Backup        `json:"latest_backup,omitempty"`
	Oldest         *Backup        `json:"oldest_backup,omitempty"`
	Frequency      string         `json:"backup_frequency"`
	ByType         map[string]int `json:"by_type"`
	Storage        StorageUsage   `json:"storage_usage"`
}

// Stats summarizes the local backups.
func (a *App) Stats(ctx context.Context) (*Stats, error) {
	backups, err := a.List(ctx, false)
	if err != nil {
		return nil, err
	}
	return summarize(backups), nil
}

func summarize(backups []Backup) *Stats {
	s := &Stats{TotalBackups: len(backups), ByType: map[string]int{}, Frequency: frequency(backups)}
	for i := range backups {
		s.TotalSize += backups[i].Size
		if backups[i].Type != "" {
			s.ByType[backups[i].Type]++
		}
	}
	s.TotalSizeHuman = humanize.IBytes(uint64(s.TotalSize))
	if len(backups) > 0 {
		s.Latest = &backups[0]
		s.Oldest = &backups[len(backups)-1]
	}
	s.Storage = StorageUsage{
		UsedSpace:      s.TotalSize,
		UsedSpaceHuman: s.TotalSizeHuman,
		FileCount:      len(backups),
	}
	if len(backups) > 0 {
		s.Storage.AverageSize = float64(s.TotalSize) / float64(len(backups))
	}
	return s
}

// frequency classifies the average gap, in whole hours, between
// consecutive backups. backups must be sorted newest first.
func frequency(backups []Backup) string {
	if len(backups) < 2 {
		return FrequencyInsufficientData
	}
	var total int64
	for i := 0; i < len(backups)-1; i++ {
		gap := backups[i].Created.Sub(backups[i+1].Created)
		if gap < 0 {
			gap = -gap
		}
		total += int64(gap / time.Hour)
	}
	avg := float64(total) / float64(len(backups)-1)
	switch {
	case avg <= 25:
		return FrequencyDaily
	case avg <= 168:
		return FrequencyWeekly
	case avg <= 744:
		return FrequencyMonthly
	default:
		return FrequencyIrregular
	}
}

type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
	Latest  *Backup  `json:"latest_backup,omitempty"`
}

// Health reports whether a recent, plausibly sized backup exists.
func (a *App) Health(ctx context.Context) (*Health, error) {
	backups, err := a.List(ctx, false)
	if err != nil {
		return nil, err
	}
	h := &Health{Issues: []string{}}
	if len(backups) == 0 {
		h.Issues = append(h.Issues, "no backups found")
		return h, nil
	}
	latest := backups[0]
	h.Latest = &latest
	if maxAge := a.Cfg.Monitoring.MaxBackupAge; maxAge > 0 {
		if age := a.now().Sub(latest.Created); age > maxAge {
			h.Issues = append(h.Issues, fmt.Sprintf("latest backup is %s old (limit %s)", age.Round(time.Minute), maxAge))
		}
	}
	if minSize := a.Cfg.Monitoring.MinBackupSize; minSize > 0 && latest.Size < minSize {
		h.Issues = append(h.Issues, fmt.Sprintf("latest backup is %s (minimum %s)", latest.SizeHuman, humanize.IBytes(uint64(minSize))))
	}
	h.Healthy = len(h.Issues) == 0
	return h, nil
}
