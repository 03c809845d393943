package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VRB_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "full", cfg.Backup.Type)
	require.Equal(t, "zip", cfg.Backup.Format)
	require.Equal(t, 30, cfg.Backup.RetentionPolicy.KeepDays)
	require.Equal(t, 2, cfg.Backup.RetryCount)
	require.Equal(t, time.Hour, cfg.Global.OperationTimeout)
	require.Equal(t, 72*time.Hour, cfg.Backup.StalePartialAfter)
	require.ElementsMatch(t, []string{"sessions", "cache", "jobs", "failed_jobs"}, cfg.Database.ExcludeTables)
	require.Len(t, cfg.Backup.Sources, 5)
	require.Len(t, cfg.Schedule.Jobs, 3)
	require.True(t, cfg.Notifications.NotifyOn.Failure)
	require.False(t, cfg.Notifications.NotifyOn.Success)
	require.Equal(t, filepath.Join("./storage/backups", ".vrb.lock"), cfg.Global.LockFile)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vrb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backup:
  type: DATABASE
  format: tar.zst
  retention:
    keep_last: 10
  sources:
    - name: uploads
      path: /srv/uploads
database:
  password: ${VRB_TEST_DB_PASSWORD}
`), 0o600))
	t.Setenv("VRB_TEST_DB_PASSWORD", "s3cret")
	t.Setenv("VRB_BACKUP_ROOT", "/var/backups/vitalred")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "database", cfg.Backup.Type)
	require.Equal(t, "tar.zst", cfg.Backup.Format)
	require.Equal(t, 10, cfg.Backup.RetentionPolicy.KeepLast)
	require.Equal(t, "s3cret", cfg.Database.Password)
	require.Equal(t, "/var/backups/vitalred", cfg.Backup.Root)
	require.Equal(t, []Source{{Name: "uploads", Path: "/srv/uploads"}}, cfg.Backup.Sources)
}

func TestLoadEncryptedConfig(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "vrb.yaml")
	enc := filepath.Join(dir, "vrb.yaml.enc")
	require.NoError(t, os.WriteFile(plain, []byte("backup:\n  name_prefix: clinic\n"), 0o600))

	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	written, err := EncryptFile(plain, "", key)
	require.NoError(t, err)
	require.Equal(t, enc, written)

	t.Setenv("VRB_CONFIG_KEY", key)
	cfg, err := Load(enc)
	require.NoError(t, err)
	require.Equal(t, "clinic", cfg.Backup.NamePrefix)

	t.Setenv("VRB_CONFIG_KEY", "")
	_, err = Load(enc)
	require.Error(t, err)
}

func TestEncryptFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "vrb.yaml")
	body := []byte("database:\n  password: s3cret\n")
	require.NoError(t, os.WriteFile(plain, body, 0o600))
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	enc, err := EncryptFile(plain, "", key)
	require.NoError(t, err)
	sealed, err := os.ReadFile(enc)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "s3cret")

	out := filepath.Join(dir, "restored.yaml")
	written, err := DecryptFile(enc, out, key)
	require.NoError(t, err)
	require.Equal(t, out, written)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, body, got)

	_, err = DecryptFile(enc, enc, key)
	require.Error(t, err)
}

func TestEncryptFileRejectsUnparsableConfig(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "vrb.yaml")
	require.NoError(t, os.WriteFile(plain, []byte("database: [unclosed\n"), 0o600))
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))

	_, err := EncryptFile(plain, "", key)
	require.Error(t, err)
	require.NoFileExists(t, plain+".enc")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{
		Backup: BackupConfig{
			Type:    "weekly",
			Format:  "rar",
			Root:    "/backups",
			Encrypt: true,
			Sources: []Source{{Name: "config", Path: "x"}, {Name: "a", Path: "y"}, {Name: "a", Path: "z"}},
		},
		Storage: StorageConfig{Backend: "ftp"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "backup.type")
	require.Contains(t, msg, "backup.format")
	require.Contains(t, msg, "encryption_key")
	require.Contains(t, msg, "storage.backend")
	require.Contains(t, msg, "reserved")
	require.Contains(t, msg, "duplicate")
}
