package compress

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	TypeNone = "none"
	TypeGzip = "gzip"
	TypeZstd = "zstd"
	TypeLZ4  = "lz4"
)

// DefaultLevel selects each codec's own default.
const DefaultLevel = 0

// WrapWriter wraps w with the codec kind at its default level.
func WrapWriter(kind string, w io.Writer) (io.WriteCloser, error) {
	return WrapWriterLevel(kind, w, DefaultLevel)
}

// WrapWriterLevel wraps w with the codec kind. level follows the gzip 1-9
// scale and is mapped onto the zstd and lz4 presets.
func WrapWriterLevel(kind string, w io.Writer, level int) (io.WriteCloser, error) {
	switch kind {
	case "", TypeNone:
		return nopWriteCloser{w}, nil
	case TypeGzip:
		if level == DefaultLevel {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	case TypeZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	case TypeLZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, err
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

func WrapReader(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case "", TypeNone:
		return io.NopCloser(r), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	case TypeLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level == DefaultLevel:
		return zstd.SpeedDefault
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level == DefaultLevel, level <= 3:
		return lz4.Fast
	case level <= 6:
		return lz4.Level5
	default:
		return lz4.Level9
	}
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
