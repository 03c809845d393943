package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vitalred/vrbackup/internal/config"
)

// ErrDisabled is returned by New when no mirror backend is configured.
var ErrDisabled = errors.New("no storage backend configured")

// Enabled reports whether a mirror backend is configured.
func Enabled(cfg config.StorageConfig) bool {
	return backendName(cfg.Backend) != "none"
}

// New builds the mirror backend named by cfg.Backend. "minio" and "oss"
// are accepted as S3-compatible aliases.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	name := backendName(cfg.Backend)
	if err := checkBackend(name, cfg); err != nil {
		return nil, err
	}
	switch name {
	case "local":
		return NewLocal(cfg.Local.Path), nil
	case "s3":
		return NewS3(cfg.S3)
	case "gcs":
		return NewGCS(ctx, cfg.GCS)
	case "azure":
		return NewAzure(cfg.Azure)
	default:
		return nil, ErrDisabled
	}
}

func backendName(backend string) string {
	switch name := strings.ToLower(strings.TrimSpace(backend)); name {
	case "", "none":
		return "none"
	case "minio", "oss":
		return "s3"
	default:
		return name
	}
}

func checkBackend(name string, cfg config.StorageConfig) error {
	var missing []string
	switch name {
	case "none":
		return ErrDisabled
	case "local":
		if cfg.Local.Path == "" {
			missing = append(missing, "storage.local.path")
		}
	case "s3":
		if cfg.S3.Endpoint == "" {
			missing = append(missing, "storage.s3.endpoint")
		}
		if cfg.S3.Bucket == "" {
			missing = append(missing, "storage.s3.bucket")
		}
	case "gcs":
		if cfg.GCS.Bucket == "" {
			missing = append(missing, "storage.gcs.bucket")
		}
	case "azure":
		if cfg.Azure.AccountName == "" {
			missing = append(missing, "storage.azure.account_name")
		}
		if cfg.Azure.Container == "" {
			missing = append(missing, "storage.azure.container")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s backend: %s required", name, strings.Join(missing, ", "))
	}
	return nil
}
