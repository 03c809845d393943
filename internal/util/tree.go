package util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Entry is one node found by WalkTree. Rel is slash separated and relative
// to the walked root; it is "." for the root itself.
type Entry struct {
	Path  string
	Rel   string
	Info  fs.FileInfo
	IsDir bool
}

// Visitor is applied to every directory and regular file below a root.
type Visitor func(Entry) error

// WalkTree visits root and everything below it in lexical order.
// Symlinks are not followed into directories; a symlink to a regular file
// is reported as that file. Broken links and special files are skipped.
// Any other error, including permission errors, stops the walk.
func WalkTree(ctx context.Context, root string, visit Visitor) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, statErr := os.Stat(path)
			if statErr != nil || !target.Mode().IsRegular() {
				return nil
			}
			info = target
		}
		switch {
		case info.IsDir():
			return visit(Entry{Path: path, Rel: rel, Info: info, IsDir: true})
		case info.Mode().IsRegular():
			return visit(Entry{Path: path, Rel: rel, Info: info})
		default:
			return nil
		}
	})
}

// CopyTree copies a file or directory tree from src to dst, preserving
// modification times, and returns the number of bytes copied.
func CopyTree(ctx context.Context, src, dst string) (int64, error) {
	var copied int64
	err := WalkTree(ctx, src, func(e Entry) error {
		target := filepath.Join(dst, filepath.FromSlash(e.Rel))
		if e.IsDir {
			return os.MkdirAll(target, 0o750)
		}
		n, err := CopyFile(e.Path, target, e.Info)
		copied += n
		return err
	})
	return copied, err
}

// CopyFile copies one regular file, creating parent directories.
// info may be nil, in which case src is stat'ed.
func CopyFile(src, dst string, info fs.FileInfo) (int64, error) {
	if info == nil {
		var err error
		if info, err = os.Stat(src); err != nil {
			return 0, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create directories: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	return n, os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// RemoveTree deletes a file or a directory tree. A missing path is not an
// error, so repeated calls converge on the same state.
func RemoveTree(ctx context.Context, root string) error {
	info, err := os.Lstat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return removeIfExists(root)
	}

	var dirs []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		return removeIfExists(path)
	})
	if err != nil {
		return err
	}
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		if err := removeIfExists(dir); err != nil {
			return err
		}
	}
	return nil
}

// TreeSize sums the sizes of all regular files below root.
func TreeSize(ctx context.Context, root string) (int64, error) {
	var total int64
	err := WalkTree(ctx, root, func(e Entry) error {
		if !e.IsDir {
			total += e.Info.Size()
		}
		return nil
	})
	return total, err
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
