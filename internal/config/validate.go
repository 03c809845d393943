package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	backupTypes   = map[string]bool{"full": true, "database": true, "files": true}
	archiveFormat = map[string]bool{"zip": true, "tar.gz": true, "tar.zst": true, "tar.lz4": true}
	backends      = map[string]bool{"": true, "none": true, "local": true, "s3": true, "minio": true, "oss": true, "gcs": true, "azure": true}
	reservedNames = map[string]bool{"config": true, ".": true, "backup_manifest.json": true}
)

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	if !backupTypes[c.Backup.Type] {
		errs = append(errs, fmt.Errorf("backup.type must be full, database or files (got %q)", c.Backup.Type))
	}
	if !archiveFormat[c.Backup.Format] {
		errs = append(errs, fmt.Errorf("unsupported backup.format %q", c.Backup.Format))
	}
	if c.Backup.Root == "" {
		errs = append(errs, errors.New("backup.root is required"))
	}
	if c.Backup.Encrypt && c.Backup.EncryptionKey == "" {
		errs = append(errs, errors.New("backup.encrypt is enabled but backup.encryption_key is empty"))
	}
	if c.Backup.RetentionPolicy.KeepDays < 0 || c.Backup.RetentionPolicy.KeepLast < 0 {
		errs = append(errs, errors.New("retention values must not be negative"))
	}
	if !backends[c.Storage.Backend] {
		errs = append(errs, fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend))
	}
	seen := map[string]bool{}
	for _, src := range c.Backup.Sources {
		if src.Name == "" || src.Path == "" {
			errs = append(errs, errors.New("backup.sources entries need both name and path"))
			continue
		}
		if reservedNames[src.Name] || strings.ContainsAny(src.Name, `/\`) || src.Name == ".." {
			errs = append(errs, fmt.Errorf("backup source name %q is reserved or not a plain directory name", src.Name))
		}
		if seen[src.Name] {
			errs = append(errs, fmt.Errorf("duplicate backup source name %q", src.Name))
		}
		seen[src.Name] = true
	}
	return errors.Join(errs...)
}
