package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/retention"
)

// Artifacts lists the backup artifacts stored under prefix whose base name
// starts with namePrefix. Manifest sidecars are not artifacts.
func Artifacts(ctx context.Context, s Storage, prefix, namePrefix string) ([]ObjectInfo, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if namePrefix == "" {
		namePrefix = "vital_red_backup"
	}
	var out []ObjectInfo
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if IsManifestKey(obj.Key) || !strings.HasPrefix(name, namePrefix) || !retention.IsArtifactName(name, false) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// Sweep applies policy to the remote artifacts under prefix and deletes each
// expired object together with its manifest sidecar. Per-object failures
// are reported in the result, not returned.
func Sweep(ctx context.Context, s Storage, prefix, namePrefix string, policy config.Retention, now time.Time, protect ...string) ([]retention.Item, error) {
	objects, err := Artifacts(ctx, s, prefix, namePrefix)
	if err != nil {
		return nil, err
	}
	skip := map[string]bool{}
	for _, p := range protect {
		skip[path.Base(p)] = true
	}
	byName := map[string]ObjectInfo{}
	var artifacts []retention.Artifact
	for _, obj := range objects {
		name := path.Base(obj.Key)
		byName[name] = obj
		artifacts = append(artifacts, retention.Artifact{Name: name, Path: obj.Key, Modified: obj.Modified})
	}

	expired := retention.Select(artifacts, policy, now, protect...)
	items := make([]retention.Item, 0, len(artifacts))
	for _, a := range artifacts {
		if skip[a.Name] {
			continue
		}
		item := retention.Item{Name: a.Name, Path: a.Path, Modified: a.Modified, Outcome: retention.Kept}
		if expired[a.Name] {
			item.Outcome = retention.Deleted
			key := byName[a.Name].Key
			if err := s.Delete(ctx, key); err != nil {
				item.Outcome, item.Err = retention.Failed, err
			} else if err := s.Delete(ctx, ManifestKey(key)); err != nil {
				item.Outcome, item.Err = retention.Failed, err
			}
		}
		items = append(items, item)
	}
	return items, nil
}
