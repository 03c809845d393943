// Package storage mirrors backup artifacts to a remote (or secondary local)
// object store and applies retention there.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned by Stat and Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
	ETag     string
	Metadata map[string]string
}

// Storage is the object store contract shared by every backend. Delete of a
// missing key succeeds.
type Storage interface {
	Name() string
	Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// contentType picks the MIME type recorded on uploaded objects from the
// artifact extension.
func contentType(key string) string {
	switch {
	case IsManifestKey(key), strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zip"):
		return "application/zip"
	case strings.HasSuffix(key, ".tar.gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".tar.zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}
