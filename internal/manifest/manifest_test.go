package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vitalred/vrbackup/internal/apperr"
)

func stage(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func build(t *testing.T, root string) *Manifest {
	t.Helper()
	m, err := Build(context.Background(), root, Options{
		Info:        BackupInfo{Name: "vital_red_backup_full_2024-01-01_10-00-00", Type: "full", Version: "1.0.0", Environment: "testing"},
		System:      CurrentSystem("mysql"),
		Parallelism: 3,
		Now:         func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return m
}

func TestBuildRecordsEveryFile(t *testing.T) {
	files := map[string]string{
		"database_backup.sql":           "CREATE TABLE x (id int);",
		"storage_app/referrals/a.pdf":   "pdf-a",
		"storage_app/referrals/b.pdf":   "pdf-b",
		"storage_logs/laravel.log":      "log line",
		"config/.env":                   "APP_KEY=base64:xyz",
		"ia_output/2024/01/result.json": "{}",
	}
	root := stage(t, files)
	m := build(t, root)

	require.Len(t, m.BackupContents, len(files))
	require.Len(t, m.Checksums, len(files))
	for _, e := range m.Entries() {
		require.NotEmpty(t, e.Checksum, e.RelativePath)
		require.Equal(t, int64(len(files[e.RelativePath])), e.SizeBytes)
	}
	require.Equal(t, "2024-01-01T10:00:00.000000Z", m.BackupInfo.CreatedAt)
	created, err := m.Created()
	require.NoError(t, err)
	require.True(t, created.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))

	sum, err := HashFile(context.Background(), filepath.Join(root, "storage_app", "referrals", "a.pdf"))
	require.NoError(t, err)
	require.Equal(t, sum, m.Checksums["storage_app/referrals/a.pdf"])
}

func TestBuildKeepsWalkOrder(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 40; i++ {
		files[fmt.Sprintf("storage_app/f%02d.txt", i)] = fmt.Sprint(i)
	}
	m := build(t, stage(t, files))
	for i := 1; i < len(m.BackupContents); i++ {
		require.Less(t, m.BackupContents[i-1].File, m.BackupContents[i].File)
	}
}

func TestBuildExcludesManifestItself(t *testing.T) {
	root := stage(t, map[string]string{"a.txt": "a"})
	m := build(t, root)
	require.NoError(t, Write(root, m))

	again := build(t, root)
	require.Len(t, again.BackupContents, 1)
	_, listed := again.Checksums[FileName]
	require.False(t, listed)
}

func TestBuildEmptyStaging(t *testing.T) {
	m := build(t, t.TempDir())
	require.Empty(t, m.BackupContents)
	require.NotNil(t, m.Checksums)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.Contains(t, string(data), `"backup_contents":[]`)
	require.Contains(t, string(data), `"checksums":{}`)
}

func TestWriteReadKeepsContractKeys(t *testing.T) {
	root := stage(t, map[string]string{"public_uploads/x.png": "png"})
	m := build(t, root)
	m.Sources = []Source{{Name: "public_uploads", Kind: SourceFiles, Path: "/srv/app/public/uploads", Target: "public_uploads", IsDir: true}}
	require.NoError(t, Write(root, m))

	raw, err := os.ReadFile(filepath.Join(root, FileName))
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"backup_info", "system_info", "backup_contents", "checksums"} {
		require.Contains(t, doc, key)
	}

	back, err := Read(root)
	require.NoError(t, err)
	require.Equal(t, m.BackupInfo, back.BackupInfo)
	require.Equal(t, m.Checksums, back.Checksums)
	require.Equal(t, m.Sources, back.SourcesOfKind(SourceFiles))
}

func TestParseLegacyManifest(t *testing.T) {
	legacy := `{
    "backup_info": {"name": "vital_red_backup_files_2024-02-01_03-00-00", "type": "files", "created_at": "2024-02-01T03:00:00.000000Z", "version": "1.0.0", "environment": "production"},
    "system_info": {"php_version": "8.2.0", "laravel_version": "10.0", "database_driver": "mysql", "server_os": "Linux"},
    "backup_contents": [{"file": "storage_app\/a.txt", "size": 1, "modified": "2024-02-01 02:59:00"}],
    "checksums": {"storage_app\/a.txt": "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb"}
}`
	m, err := Parse([]byte(legacy))
	require.NoError(t, err)
	require.Equal(t, "files", m.BackupInfo.Type)
	require.Equal(t, "mysql", m.SystemInfo.DatabaseDriver)
	require.Empty(t, m.Sources)

	root := stage(t, map[string]string{"storage_app/a.txt": "a"})
	report, err := Verify(context.Background(), root, m, 1)
	require.NoError(t, err)
	require.True(t, report.Verified())
}

func TestParseRejectsForeignDocument(t *testing.T) {
	_, err := Parse([]byte(`{"hello": "world"}`))
	require.Error(t, err)
}

func TestVerifyReportsEveryProblem(t *testing.T) {
	root := stage(t, map[string]string{
		"a.txt":    "a",
		"b.txt":    "b",
		"c/d.txt":  "d",
		"c/e.txt":  "e",
		"keep.txt": "keep",
	})
	m := build(t, root)

	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c", "d.txt"), []byte("tampered"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "c", "e.txt")))
	m.Checksums["../outside.txt"] = "00"
	m.BackupContents = append(m.BackupContents, Content{File: "unlisted.txt"})

	report, err := Verify(context.Background(), root, m, 2)
	require.NoError(t, err)
	require.False(t, report.Verified())

	byFile := map[string]Outcome{}
	for _, r := range report.Results {
		byFile[r.File] = r.Outcome
	}
	require.Equal(t, OutcomeMissingFile, byFile["a.txt"])
	require.Equal(t, OutcomeOK, byFile["b.txt"])
	require.Equal(t, OutcomeMismatch, byFile["c/d.txt"])
	require.Equal(t, OutcomeMissingFile, byFile["c/e.txt"])
	require.Equal(t, OutcomeOK, byFile["keep.txt"])
	require.Equal(t, OutcomeInvalidPath, byFile["../outside.txt"])
	require.Equal(t, OutcomeMissingChecksum, byFile["unlisted.txt"])
	require.Len(t, report.Problems(), 5)

	err = report.Err()
	require.True(t, apperr.Is(err, apperr.KindIntegrity))
	require.Contains(t, err.Error(), "5 of 7 files failed verification")
}

func TestVerifyCleanBackup(t *testing.T) {
	root := stage(t, map[string]string{"x/y/z.txt": "z", "w.txt": "w"})
	m := build(t, root)
	report, err := Verify(context.Background(), root, m, 4)
	require.NoError(t, err)
	require.True(t, report.Verified())
	require.NoError(t, report.Err())
	require.Len(t, report.Results, 2)
}
