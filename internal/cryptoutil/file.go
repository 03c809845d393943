package cryptoutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/sio"

	"github.com/vitalred/vrbackup/internal/apperr"
)

// Extension marks an encrypted artifact.
const Extension = ".enc"

// Seal encrypts the archive at src into src+".enc" and deletes src once the
// blob is complete. It returns the path of the blob.
func Seal(ctx context.Context, src string, key []byte) (string, error) {
	dst := src + Extension
	if err := EncryptFile(ctx, src, dst, key); err != nil {
		return "", apperr.New(apperr.KindArchive, apperr.StageEncrypt, err)
	}
	if err := os.Remove(src); err != nil {
		return "", apperr.New(apperr.KindArchive, apperr.StageEncrypt, fmt.Errorf("remove plaintext: %w", err))
	}
	return dst, nil
}

// Open decrypts the blob at src into dst. Any failure removes dst and is
// reported as a decryption error.
func Open(ctx context.Context, src, dst string, key []byte) error {
	if err := DecryptFile(ctx, src, dst, key); err != nil {
		_ = os.Remove(dst)
		return apperr.Decryption("decrypt", err)
	}
	return nil
}

// PlainName strips the encryption extension from an artifact name.
func PlainName(name string) string {
	return strings.TrimSuffix(name, Extension)
}

// EncryptFile writes the DARE encryption of src to dst via a temporary
// ".partial" file that is renamed only after a clean close.
func EncryptFile(ctx context.Context, src, dst string, key []byte) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	partial := dst + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		out.Close()
		_ = os.Remove(partial)
		return err
	}

	// sio closes the writer it wraps when it is closed itself, so it gets
	// a bare io.Writer and out is synced and closed here.
	enc, err := sio.EncryptWriter(struct{ io.Writer }{out}, dareConfig(key))
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(enc, contextReader{ctx: ctx, r: in}); err != nil {
		return fail(err)
	}
	if err := enc.Close(); err != nil {
		return fail(err)
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return os.Rename(partial, dst)
}

// DecryptFile decrypts src into dst.
func DecryptFile(ctx context.Context, src, dst string, key []byte) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("encrypted blob is empty")
	}

	// sio authenticates each package; a wrong key or a flipped byte fails
	// the read that reaches it.
	dec, err := sio.DecryptReader(in, dareConfig(key))
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, contextReader{ctx: ctx, r: dec}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func dareConfig(key []byte) sio.Config {
	return sio.Config{Key: key, MinVersion: sio.Version20}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
