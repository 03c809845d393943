package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"

	"github.com/vitalred/vrbackup/internal/compress"
	"github.com/vitalred/vrbackup/internal/util"
)

func writeTar(ctx context.Context, w io.Writer, srcDir, codec string, level int) (int, error) {
	cw, err := compress.WrapWriterLevel(codec, w, level)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(cw)
	closeAll := func() error {
		if err := tw.Close(); err != nil {
			cw.Close()
			return err
		}
		return cw.Close()
	}

	files := 0
	err = util.WalkTree(ctx, srcDir, func(e util.Entry) error {
		if e.Rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(e.Info, "")
		if err != nil {
			return err
		}
		hdr.Name = e.Rel
		hdr.Uname, hdr.Gname = "", ""
		if e.IsDir {
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if err := copyFrom(tw, e.Path); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		_ = closeAll()
		return files, err
	}
	return files, closeAll()
}

func extractTar(ctx context.Context, src, destDir, codec string) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	cr, err := compress.WrapReader(codec, f)
	if err != nil {
		return 0, err
	}
	defer cr.Close()

	tr := tar.NewReader(cr)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return files, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode(), hdr.ModTime); err != nil {
				return files, err
			}
			files++
		}
	}
}
