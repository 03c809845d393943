package archive

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/vitalred/vrbackup/internal/util"
)

func writeZip(ctx context.Context, w io.Writer, srcDir string, level int) (int, error) {
	if level == 0 {
		level = flate.DefaultCompression
	}
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	files := 0
	err := util.WalkTree(ctx, srcDir, func(e util.Entry) error {
		if e.Rel == "." {
			return nil
		}
		hdr, err := zip.FileInfoHeader(e.Info)
		if err != nil {
			return err
		}
		hdr.Name = e.Rel
		if e.IsDir {
			hdr.Name += "/"
			hdr.Method = zip.Store
			_, err := zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if err := copyFrom(fw, e.Path); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		zw.Close()
		return files, err
	}
	return files, zw.Close()
}

func extractZip(ctx context.Context, src, destDir string) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	files := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return files, err
		}
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return files, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return files, err
		}
		err = writeFile(target, rc, f.Mode(), f.Modified)
		rc.Close()
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}
