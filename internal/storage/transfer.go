package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PutFile uploads the file at path under key.
func PutFile(ctx context.Context, s Storage, key, path string, metadata map[string]string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := s.Put(ctx, key, f, info.Size(), metadata); err != nil {
		return 0, fmt.Errorf("upload %s to %s: %w", filepath.Base(path), s.Name(), err)
	}
	return info.Size(), nil
}

// GetFile downloads key to dst. The object is written to dst+".partial"
// and renamed once complete.
func GetFile(ctx context.Context, s Storage, key, dst string) (int64, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create directories: %w", err)
	}
	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("download %s from %s: %w", key, s.Name(), err)
	}
	return n, os.Rename(tmp, dst)
}
