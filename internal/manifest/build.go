package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vitalred/vrbackup/internal/util"
)

// Options carries everything Build records besides the file list.
type Options struct {
	Info        BackupInfo
	System      SystemInfo
	Sources     []Source
	Parallelism int
	Now         func() time.Time
}

type stagedFile struct {
	path string
	rel  string
	size int64
	mod  time.Time
}

// Build walks root and returns a manifest with one entry per regular file,
// excluding the manifest itself. Files are hashed concurrently but entries
// keep walk order.
func Build(ctx context.Context, root string, opts Options) (*Manifest, error) {
	var files []stagedFile
	err := util.WalkTree(ctx, root, func(e util.Entry) error {
		if e.IsDir || isManifestFile(e.Rel) {
			return nil
		}
		files = append(files, stagedFile{path: e.Path, rel: e.Rel, size: e.Info.Size(), mod: e.Info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan staging directory: %w", err)
	}

	sums := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallelism, 1))
	for i := range files {
		g.Go(func() error {
			sum, err := HashFile(gctx, files[i].path)
			if err != nil {
				return fmt.Errorf("checksum %s: %w", files[i].rel, err)
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	info := opts.Info
	if info.CreatedAt == "" {
		info.CreatedAt = now().UTC().Format(CreatedLayout)
	}

	m := &Manifest{
		BackupInfo:     info,
		SystemInfo:     opts.System,
		BackupContents: make([]Content, 0, len(files)),
		Checksums:      make(map[string]string, len(files)),
		Sources:        opts.Sources,
	}
	for i, f := range files {
		m.BackupContents = append(m.BackupContents, Content{
			File:     f.rel,
			Size:     f.size,
			Modified: f.mod.Local().Format(ModifiedLayout),
		})
		m.Checksums[f.rel] = sums[i]
	}
	return m, nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isManifestFile(rel string) bool {
	return rel == FileName || rel == FileName+".tmp"
}
