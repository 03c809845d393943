package app

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/db"
	"github.com/vitalred/vrbackup/internal/manifest"
	"github.com/vitalred/vrbackup/internal/metrics"
	"github.com/vitalred/vrbackup/internal/notify"
	"github.com/vitalred/vrbackup/internal/storage"
)

type fakeAdapter struct {
	dump   string
	loaded string
	err    error
}

func (f *fakeAdapter) Name() string { return "mysql" }

func (f *fakeAdapter) Validate(context.Context, config.DatabaseConfig) error { return nil }

func (f *fakeAdapter) Dump(_ context.Context, _ config.DatabaseConfig, dir string) (*db.DumpResult, error) {
	path := filepath.Join(dir, db.MySQLDumpFile)
	if err := os.WriteFile(path, []byte(f.dump), 0o600); err != nil {
		return nil, err
	}
	return &db.DumpResult{Path: path, Format: db.FormatNative, Size: int64(len(f.dump))}, nil
}

func (f *fakeAdapter) Load(_ context.Context, _ config.DatabaseConfig, dump db.DumpResult) error {
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(dump.Path)
	f.loaded = string(data)
	return err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func testKey() string {
	return "base64:" + base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func newTestApp(t *testing.T) (*App, *fakeAdapter, string) {
	t.Helper()
	base := t.TempDir()
	root := t.TempDir()
	writeFile(t, filepath.Join(base, "storage/app/referrals/r1.pdf"), "referral one")
	writeFile(t, filepath.Join(base, "storage/app/referrals/r2.pdf"), "referral two")
	writeFile(t, filepath.Join(base, "public/uploads/avatar.png"), "png")
	writeFile(t, filepath.Join(base, ".env"), "APP_ENV=production\n")

	cfg := &config.Config{
		Global: config.GlobalConfig{LockFile: filepath.Join(root, ".vrb.lock"), Environment: "testing", AppVersion: "1.2.3"},
		Backup: config.BackupConfig{
			Root:            root,
			BasePath:        base,
			NamePrefix:      "vital_red_backup",
			Type:            "full",
			Compress:        true,
			Format:          "zip",
			Level:           6,
			Verify:          true,
			RetryCount:      2,
			RetryBackoff:    time.Millisecond,
			MaxParallelism:  2,
			Sources:         config.DefaultSources(),
			ConfigFiles:     []string{".env"},
			RetentionPolicy: config.Retention{KeepDays: 30},
			EncryptionKey:   testKey(),
		},
		Restore:    config.RestoreConfig{TempDir: t.TempDir()},
		Monitoring: config.MonitoringConfig{MaxBackupAge: 48 * time.Hour, MinBackupSize: 1 << 20},
	}
	adapter := &fakeAdapter{dump: "CREATE TABLE referrals (id INT);\n"}
	a := New(cfg, adapter, nil, zerolog.Nop(), nil, metrics.New(false))
	return a, adapter, base
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	a, adapter, base := newTestApp(t)
	ctx := context.Background()

	res, err := a.Backup(ctx, a.DefaultBackupRequest())
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(res.Path, ".zip"))
	require.True(t, res.Verified)
	require.True(t, res.Compressed)
	require.Positive(t, res.Size)
	require.Equal(t, 5, res.Files)
	require.NoDirExists(t, filepath.Join(a.Cfg.Backup.Root, res.BackupID))

	writeFile(t, filepath.Join(base, "storage/app/referrals/r1.pdf"), "overwritten")
	writeFile(t, filepath.Join(base, "storage/app/referrals/r3.pdf"), "created after backup")
	writeFile(t, filepath.Join(base, ".env"), "APP_ENV=broken\n")

	restored, err := a.Restore(ctx, RestoreRequest{Name: res.BackupID})
	require.NoError(t, err)
	require.True(t, restored.Verified)
	require.Equal(t, "full", restored.Type)
	for _, step := range restored.Steps {
		require.True(t, step.Done, step.Source)
	}

	require.Equal(t, "CREATE TABLE referrals (id INT);\n", adapter.loaded)
	require.Equal(t, "referral one", readFile(t, filepath.Join(base, "storage/app/referrals/r1.pdf")))
	require.NoFileExists(t, filepath.Join(base, "storage/app/referrals/r3.pdf"))
	require.Equal(t, "APP_ENV=production\n", readFile(t, filepath.Join(base, ".env")))

	entries, err := os.ReadDir(a.Cfg.Restore.TempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEncryptedBackupVerifies(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	req := a.DefaultBackupRequest()
	req.Type = "files"
	req.Compress = false
	req.Encrypt = true
	res, err := a.Backup(ctx, req)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(res.Path, ".zip.enc"))
	require.True(t, res.Encrypted)
	require.NoFileExists(t, strings.TrimSuffix(res.Path, ".enc"))

	report, err := a.Verify(ctx, res.BackupID)
	require.NoError(t, err)
	require.True(t, report.Verified())
	require.Len(t, report.Results, 3)

	a.Cfg.Backup.EncryptionKey = "base64:" + base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 32)))
	_, err = a.Verify(ctx, res.BackupID)
	require.True(t, apperr.Is(err, apperr.KindDecryption), "got %v", err)
}

func TestTamperedBackupFailsRestore(t *testing.T) {
	a, adapter, _ := newTestApp(t)
	ctx := context.Background()

	req := a.DefaultBackupRequest()
	req.Compress = false
	res, err := a.Backup(ctx, req)
	require.NoError(t, err)

	staged := filepath.Join(res.Path, "storage_app", "referrals", "r2.pdf")
	require.NoError(t, os.WriteFile(staged, []byte("tampered"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(res.Path, "public_uploads", "avatar.png")))

	report, err := a.Verify(ctx, res.BackupID)
	require.NoError(t, err)
	require.False(t, report.Verified())
	outcomes := map[manifest.Outcome]int{}
	for _, p := range report.Problems() {
		outcomes[p.Outcome]++
	}
	require.Equal(t, 1, outcomes[manifest.OutcomeMismatch])
	require.Equal(t, 1, outcomes[manifest.OutcomeMissingFile])

	_, err = a.Restore(ctx, RestoreRequest{Name: res.BackupID})
	require.True(t, apperr.Is(err, apperr.KindIntegrity), "got %v", err)
	require.Empty(t, adapter.loaded)
}

func TestRestoreDryRunAndDatabaseFailure(t *testing.T) {
	a, adapter, base := newTestApp(t)
	ctx := context.Background()
	res, err := a.Backup(ctx, a.DefaultBackupRequest())
	require.NoError(t, err)

	writeFile(t, filepath.Join(base, ".env"), "APP_ENV=changed\n")
	plan, err := a.Restore(ctx, RestoreRequest{Name: filepath.Base(res.Path), DryRun: true})
	require.NoError(t, err)
	require.True(t, plan.DryRun)
	require.NotEmpty(t, plan.Steps)
	require.Equal(t, manifest.SourceDatabase, plan.Steps[0].Kind)
	require.Empty(t, adapter.loaded)
	require.Equal(t, "APP_ENV=changed\n", readFile(t, filepath.Join(base, ".env")))

	adapter.err = os.ErrPermission
	_, err = a.Restore(ctx, RestoreRequest{Name: res.BackupID})
	require.True(t, apperr.Is(err, apperr.KindRestore), "got %v", err)
	require.Equal(t, "APP_ENV=changed\n", readFile(t, filepath.Join(base, ".env")))
}

func TestBackupMirrorsAndRestoresRemote(t *testing.T) {
	a, _, base := newTestApp(t)
	ctx := context.Background()
	mirror := storage.NewLocal(t.TempDir())
	a.Storage = mirror
	a.Cfg.Storage = config.StorageConfig{Backend: "local", Prefix: "vitalred", UploadManifest: true, ApplyRetention: true}

	req := a.DefaultBackupRequest()
	req.Type = "files"
	res, err := a.Backup(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "vitalred/"+filepath.Base(res.Path), res.RemoteKey)

	ok, err := mirror.Exists(ctx, storage.ManifestKey(res.RemoteKey))
	require.NoError(t, err)
	require.True(t, ok)

	remote, err := a.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	require.Equal(t, "files", remote[0].Type)
	require.Equal(t, LocationRemote, remote[0].Location)

	require.NoError(t, os.Remove(res.Path))
	writeFile(t, filepath.Join(base, "public/uploads/avatar.png"), "replaced")
	_, err = a.Restore(ctx, RestoreRequest{Name: res.BackupID, Remote: true})
	require.NoError(t, err)
	require.Equal(t, "png", readFile(t, filepath.Join(base, "public/uploads/avatar.png")))

	require.NoError(t, a.Delete(ctx, res.BackupID, true))
	remote, err = a.List(ctx, true)
	require.NoError(t, err)
	require.Empty(t, remote)
}

func TestBackupNotifiesAndRejectsWhenLocked(t *testing.T) {
	a, _, _ := newTestApp(t)
	rec := &recordingNotifier{}
	a.Notifier = rec

	guard, err := a.acquire()
	require.NoError(t, err)
	_, err = a.BackupWithRetry(context.Background(), a.DefaultBackupRequest())
	require.Error(t, err)
	require.NoError(t, guard.Release())

	require.Len(t, rec.events, 1, "a busy lock is not retried")
	require.Equal(t, notify.StatusFailure, rec.events[0].Status)

	res, err := a.BackupWithRetry(context.Background(), a.DefaultBackupRequest())
	require.NoError(t, err)
	require.Len(t, rec.events, 2)
	require.Equal(t, notify.StatusSuccess, rec.events[1].Status)
	require.Equal(t, res.BackupID, rec.events[1].BackupID)
}

func TestBackupOutsideWindow(t *testing.T) {
	a, _, _ := newTestApp(t)
	a.Now = func() time.Time { return time.Date(2025, 3, 4, 12, 0, 0, 0, time.Local) }
	a.Cfg.Schedule = config.ScheduleConfig{WindowStart: "01:00", WindowEnd: "05:00"}

	_, err := a.Backup(context.Background(), a.DefaultBackupRequest())
	require.ErrorIs(t, err, ErrOutsideWindow)

	req := a.DefaultBackupRequest()
	req.IgnoreWindow = true
	_, err = a.Backup(context.Background(), req)
	require.NoError(t, err)
}

func TestListPruneAndDelete(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()
	root := a.Cfg.Backup.Root
	now := time.Now()
	for i := 0; i < 4; i++ {
		when := now.Add(-time.Duration(i) * 24 * time.Hour)
		name := "vital_red_backup_database_" + when.Format("2006-01-02_15-04-05") + ".zip"
		p := filepath.Join(root, name)
		writeFile(t, p, strings.Repeat("z", 10*(i+1)))
		require.NoError(t, os.Chtimes(p, when, when))
	}

	list, err := a.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 4)
	require.Equal(t, "database", list[0].Type)
	require.Equal(t, int64(10), list[0].Size)
	require.Equal(t, "zip", list[0].Format)

	a.Cfg.Backup.RetentionPolicy = config.Retention{KeepLast: 2}
	res, err := a.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Deleted)

	list, err = a.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, a.Delete(ctx, list[0].ID, false))
	require.ErrorIs(t, a.Delete(ctx, list[0].ID, false), ErrNotFound)
	require.Error(t, a.Delete(ctx, "../etc", false))
}

func TestBackupKeepsNewestTenIncludingCurrent(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()
	root := a.Cfg.Backup.Root
	now := time.Now()
	for i := 1; i <= 15; i++ {
		when := now.Add(-time.Duration(i) * 24 * time.Hour)
		p := filepath.Join(root, "vital_red_backup_database_"+when.Format("2006-01-02_15-04-05")+".zip")
		writeFile(t, p, "old archive")
		require.NoError(t, os.Chtimes(p, when, when))
	}

	req := a.DefaultBackupRequest()
	req.Retention = config.Retention{KeepLast: 10}
	res, err := a.Backup(ctx, req)
	require.NoError(t, err)

	list, err := a.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 10)
	require.Equal(t, filepath.Base(res.Path), list[0].Name)
	require.FileExists(t, res.Path)
}

func TestFrequency(t *testing.T) {
	at := func(hoursAgo ...int) []Backup {
		out := make([]Backup, len(hoursAgo))
		base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		for i, h := range hoursAgo {
			out[i] = Backup{Created: base.Add(-time.Duration(h) * time.Hour)}
		}
		return out
	}
	require.Equal(t, FrequencyInsufficientData, frequency(at(0)))
	require.Equal(t, FrequencyDaily, frequency(at(0, 24, 49)))
	require.Equal(t, FrequencyWeekly, frequency(at(0, 168)))
	require.Equal(t, FrequencyMonthly, frequency(at(0, 720)))
	require.Equal(t, FrequencyIrregular, frequency(at(0, 2000)))
}

func TestStatsAndHealth(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	h, err := a.Health(ctx)
	require.NoError(t, err)
	require.False(t, h.Healthy)
	require.Equal(t, []string{"no backups found"}, h.Issues)

	res, err := a.Backup(ctx, a.DefaultBackupRequest())
	require.NoError(t, err)

	h, err = a.Health(ctx)
	require.NoError(t, err)
	require.False(t, h.Healthy, "a few bytes is below the minimum size")
	require.Len(t, h.Issues, 1)

	a.Cfg.Monitoring.MinBackupSize = 0
	h, err = a.Health(ctx)
	require.NoError(t, err)
	require.True(t, h.Healthy)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalBackups)
	require.Equal(t, res.Size, stats.TotalSize)
	require.Equal(t, FrequencyInsufficientData, stats.Frequency)
	require.Equal(t, 1, stats.ByType["full"])
	require.Equal(t, res.BackupID, stats.Latest.ID)
}

func TestLocateRejectsTraversal(t *testing.T) {
	a, _, _ := newTestApp(t)
	for _, name := range []string{"", ".", "..", "../x", "a/b", ".vrb.lock"} {
		_, err := a.Locate(name)
		require.Error(t, err, name)
	}
	_, err := a.Locate("vital_red_backup_full_2020-01-01_00-00-00")
	require.ErrorIs(t, err, ErrNotFound)
}
