// Package retention deletes backups that fall outside the configured
// retention policy and clears abandoned partial outputs.
package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/archive"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/util"
)

type Outcome string

const (
	Kept         Outcome = "kept"
	Deleted      Outcome = "deleted"
	Failed       Outcome = "failed"
	StalePartial Outcome = "stale_partial"
)

// Artifact is a completed backup found under the root: a staging
// directory, an archive or an encrypted blob.
type Artifact struct {
	Name     string
	Path     string
	Modified time.Time
	IsDir    bool
}

// Item is the sweep decision for one entry.
type Item struct {
	Name     string
	Path     string
	Modified time.Time
	Outcome  Outcome
	Err      error
}

type Sweeper struct {
	Root              string
	Prefix            string
	Policy            config.Retention
	StalePartialAfter time.Duration
	Now               func() time.Time
	Log               zerolog.Logger
}

// Sweep applies the policy to every artifact under Root except the names
// in protect. A failed deletion is recorded and the sweep continues.
// Removing an artifact that is already gone counts as deleted, so running
// Sweep twice yields the same end state.
func (s *Sweeper) Sweep(ctx context.Context, protect ...string) ([]Item, error) {
	now := s.now()
	artifacts, partials, err := scan(s.Root, s.Prefix)
	if err != nil {
		return nil, err
	}

	skip := protectedNames(protect)
	expired := Select(artifacts, s.Policy, now, protect...)
	var items []Item
	for _, a := range artifacts {
		if skip[a.Name] {
			continue
		}
		item := Item{Name: a.Name, Path: a.Path, Modified: a.Modified, Outcome: Kept}
		if expired[a.Name] {
			item.Outcome, item.Err = s.remove(ctx, a.Path, Deleted)
		}
		items = append(items, item)
	}

	if s.StalePartialAfter > 0 {
		cutoff := now.Add(-s.StalePartialAfter)
		for _, p := range partials {
			if skip[p.Name] || !p.Modified.Before(cutoff) {
				continue
			}
			item := Item{Name: p.Name, Path: p.Path, Modified: p.Modified}
			item.Outcome, item.Err = s.remove(ctx, p.Path, StalePartial)
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Sweeper) remove(ctx context.Context, path string, ok Outcome) (Outcome, error) {
	if err := util.RemoveTree(ctx, path); err != nil {
		s.Log.Warn().Err(err).Str("path", path).Msg("retention delete failed")
		return Failed, err
	}
	s.Log.Info().Str("path", path).Str("outcome", string(ok)).Msg("retention removed backup")
	return ok, nil
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Select returns the names that violate any enabled rule. keep_days
// deletes artifacts strictly older than now minus the window; keep_last
// keeps the newest N by modification time, ties broken by name. Protected
// names take their place in the keep_last ranking but are never returned.
func Select(artifacts []Artifact, policy config.Retention, now time.Time, protect ...string) map[string]bool {
	skip := protectedNames(protect)
	expired := map[string]bool{}
	if policy.KeepDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.KeepDays)
		for _, a := range artifacts {
			if a.Modified.Before(cutoff) && !skip[a.Name] {
				expired[a.Name] = true
			}
		}
	}
	if policy.KeepLast > 0 && len(artifacts) > policy.KeepLast {
		sorted := append([]Artifact(nil), artifacts...)
		SortNewestFirst(sorted)
		kept := 0
		for _, a := range sorted {
			// A protected artifact always survives, so it uses up a slot.
			if skip[a.Name] || kept < policy.KeepLast {
				kept++
				continue
			}
			expired[a.Name] = true
		}
	}
	return expired
}

func protectedNames(protect []string) map[string]bool {
	skip := make(map[string]bool, len(protect))
	for _, p := range protect {
		skip[filepath.Base(p)] = true
	}
	return skip
}

// SortNewestFirst orders artifacts by modification time, newest first.
func SortNewestFirst(artifacts []Artifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].Modified.Equal(artifacts[j].Modified) {
			return artifacts[i].Modified.After(artifacts[j].Modified)
		}
		return artifacts[i].Name > artifacts[j].Name
	})
}

// List returns the completed artifacts under root, newest first.
func List(root, prefix string) ([]Artifact, error) {
	artifacts, _, err := scan(root, prefix)
	if err != nil {
		return nil, err
	}
	SortNewestFirst(artifacts)
	return artifacts, nil
}

func scan(root, prefix string) (artifacts, partials []Artifact, err error) {
	if prefix == "" {
		prefix = "vital_red_backup"
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, err
		}
		a := Artifact{Name: name, Path: filepath.Join(root, name), Modified: info.ModTime(), IsDir: info.IsDir()}
		switch {
		case strings.HasSuffix(name, archive.PartialSuffix):
			partials = append(partials, a)
		case IsArtifactName(name, info.IsDir()):
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, partials, nil
}

// IsArtifactName reports whether name is a staging directory, an archive
// or an encrypted archive.
func IsArtifactName(name string, isDir bool) bool {
	if isDir {
		return true
	}
	_, ok := archive.FormatOf(name)
	return ok
}
