// Package archive turns a staging directory into a single archive file and
// back. zip archives use klauspost's deflate; tar archives go through the
// compress package codecs.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/compress"
	"github.com/vitalred/vrbackup/internal/util"
)

const (
	FormatZip    = "zip"
	FormatTarGz  = "tar.gz"
	FormatTarZst = "tar.zst"
	FormatTarLz4 = "tar.lz4"
)

// tarCodecs maps tar formats to their stream codec.
var tarCodecs = map[string]string{
	FormatTarGz:  compress.TypeGzip,
	FormatTarZst: compress.TypeZstd,
	FormatTarLz4: compress.TypeLZ4,
}

// PartialSuffix marks files that are still being written.
const PartialSuffix = ".partial"

type Options struct {
	Format string
	Level  int
}

type Result struct {
	Path  string
	Size  int64
	Files int
}

// Extension returns the file suffix for format, including the dot.
func Extension(format string) string {
	return "." + format
}

// FormatOf detects the archive format from a file name, ignoring a trailing
// encryption suffix.
func FormatOf(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".enc")
	for _, f := range []string{FormatZip, FormatTarGz, FormatTarZst, FormatTarLz4} {
		if strings.HasSuffix(name, Extension(f)) {
			return f, true
		}
	}
	return "", false
}

// TrimExtension strips archive and encryption suffixes, leaving the backup id.
func TrimExtension(name string) string {
	name = strings.TrimSuffix(name, ".enc")
	if f, ok := FormatOf(name); ok {
		return strings.TrimSuffix(name, Extension(f))
	}
	return name
}

// Compress archives stagingDir into stagingDir+extension and removes the
// staging directory once the archive is closed. On failure the staging
// directory is left untouched.
func Compress(ctx context.Context, stagingDir string, opts Options) (*Result, error) {
	dest := filepath.Clean(stagingDir) + Extension(opts.Format)
	res, err := Create(ctx, stagingDir, dest, opts)
	if err != nil {
		return nil, err
	}
	if err := util.RemoveTree(ctx, stagingDir); err != nil {
		return res, apperr.Archive("cleanup", fmt.Errorf("remove staging directory: %w", err))
	}
	return res, nil
}

// Create writes an archive of srcDir to dest. The archive is assembled
// under dest+".partial" and renamed after a successful sync and close.
func Create(ctx context.Context, srcDir, dest string, opts Options) (*Result, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, apperr.Archive("compress", err)
	}
	if !info.IsDir() {
		return nil, apperr.Archive("compress", fmt.Errorf("%s is not a directory", srcDir))
	}

	partial := dest + PartialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, apperr.Archive("compress", err)
	}
	fail := func(err error) (*Result, error) {
		f.Close()
		_ = os.Remove(partial)
		return nil, apperr.Archive("compress", err)
	}

	var files int
	switch {
	case opts.Format == FormatZip:
		files, err = writeZip(ctx, f, srcDir, opts.Level)
	case tarCodecs[opts.Format] != "":
		files, err = writeTar(ctx, f, srcDir, tarCodecs[opts.Format], opts.Level)
	default:
		err = fmt.Errorf("unsupported archive format: %q", opts.Format)
	}
	if err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return nil, apperr.Archive("compress", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return nil, apperr.Archive("compress", err)
	}
	stat, err := os.Stat(dest)
	if err != nil {
		return nil, apperr.Archive("compress", err)
	}
	return &Result{Path: dest, Size: stat.Size(), Files: files}, nil
}

// Extract unpacks src into destDir and returns the number of files written.
func Extract(ctx context.Context, src, destDir string) (int, error) {
	format, ok := FormatOf(src)
	if !ok {
		return 0, apperr.Archive("extract", fmt.Errorf("unrecognised archive: %s", filepath.Base(src)))
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return 0, apperr.Archive("extract", err)
	}
	var n int
	var err error
	if format == FormatZip {
		n, err = extractZip(ctx, src, destDir)
	} else {
		n, err = extractTar(ctx, src, destDir, tarCodecs[format])
	}
	if err != nil {
		return n, apperr.Archive("extract", err)
	}
	return n, nil
}

var errUnsafePath = errors.New("archive entry escapes destination")

// safeJoin resolves an archive entry name below dest, rejecting absolute
// names and parent traversal.
func safeJoin(dest, name string) (string, error) {
	local := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if local == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, name)
	}
	return filepath.Join(dest, local), nil
}

func copyFrom(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func writeFile(target string, r io.Reader, mode os.FileMode, modified time.Time) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if modified.IsZero() {
		return nil
	}
	return os.Chtimes(target, modified, modified)
}
