package util

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// BackupTimeLayout is the timestamp embedded in backup ids.
const BackupTimeLayout = "2006-01-02_15-04-05"

// BuildBackupID returns "<prefix>_<type>_<timestamp>", the name shared by
// the staging directory and every artifact derived from it.
func BuildBackupID(prefix, backupType string, when time.Time) string {
	if prefix == "" {
		prefix = "vital_red_backup"
	}
	return fmt.Sprintf("%s_%s_%s", prefix, backupType, when.Format(BackupTimeLayout))
}

// ParseBackupID splits an id built by BuildBackupID. Artifact extensions
// are ignored.
func ParseBackupID(prefix, name string) (backupType string, when time.Time, ok bool) {
	if prefix == "" {
		prefix = "vital_red_backup"
	}
	rest, found := strings.CutPrefix(name, prefix+"_")
	if !found {
		return "", time.Time{}, false
	}
	sep := strings.IndexByte(rest, '_')
	if sep <= 0 || len(rest) < sep+1+len(BackupTimeLayout) {
		return "", time.Time{}, false
	}
	ts, err := time.ParseInLocation(BackupTimeLayout, rest[sep+1:sep+1+len(BackupTimeLayout)], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return rest[:sep], ts, true
}

// BuildObjectKey constructs the remote object key for an artifact.
func BuildObjectKey(prefix, artifact string) string {
	if prefix == "" {
		return artifact
	}
	return path.Join(strings.Trim(prefix, "/"), artifact)
}

// BuildPrefix builds the listing prefix for remote artifacts.
func BuildPrefix(prefix string) string {
	trimmed := strings.Trim(prefix, "/")
	if trimmed == "" {
		return ""
	}
	return trimmed + "/"
}
