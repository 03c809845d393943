package storage

import "strings"

// ManifestSuffix marks the sidecar copy of backup_manifest.json uploaded
// next to an artifact, so remote listings can be inspected without
// downloading archives.
const ManifestSuffix = ".manifest.json"

func ManifestKey(objectKey string) string {
	return objectKey + ManifestSuffix
}

func IsManifestKey(key string) bool {
	return strings.HasSuffix(key, ManifestSuffix)
}
