package schedule

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vitalred/vrbackup/internal/app"
	"github.com/vitalred/vrbackup/internal/config"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []app.BackupRequest
	deadline bool
	err      error
}

func (f *fakeRunner) DefaultBackupRequest() app.BackupRequest {
	return app.BackupRequest{Type: "full", Compress: true, Format: "zip", Verify: true}
}

func (f *fakeRunner) BackupWithRetry(ctx context.Context, req app.BackupRequest) (*app.BackupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	return &app.BackupResult{BackupID: "vital_red_backup_" + req.Type, SizeHuman: "1 KiB"}, nil
}

func TestNewRegistersDefaultJobs(t *testing.T) {
	s, err := New(config.ScheduleConfig{Jobs: config.DefaultJobs(), Timezone: "UTC"}, &fakeRunner{}, zerolog.Nop())
	require.NoError(t, err)

	entries := s.Entries()
	require.Len(t, entries, 3)
	types := map[string]string{}
	for _, e := range entries {
		types[e.Name] = e.Type
	}
	require.Equal(t, "database", types["database-daily"])
	require.Equal(t, "files", types["files-weekly"])
	require.Equal(t, "full", types["full-monthly"])
}

func TestNewRejectsBadJobs(t *testing.T) {
	_, err := New(config.ScheduleConfig{Jobs: []config.ScheduleJob{{Name: "x", Cron: "0 2 * *", Type: "full"}}}, &fakeRunner{}, zerolog.Nop())
	require.ErrorContains(t, err, "invalid cron expression")

	_, err = New(config.ScheduleConfig{Jobs: []config.ScheduleJob{{Name: "x", Cron: "@daily", Type: "logs"}}}, &fakeRunner{}, zerolog.Nop())
	require.ErrorContains(t, err, "unknown backup type")

	_, err = New(config.ScheduleConfig{Timezone: "Mars/Olympus"}, &fakeRunner{}, zerolog.Nop())
	require.ErrorContains(t, err, "invalid timezone")
}

func TestRunJobUsesJobTypeAndTimeout(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(config.ScheduleConfig{JobTimeout: time.Hour}, runner, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.RunJob(context.Background(), config.ScheduleJob{Name: "db", Cron: "0 2 * * *", Type: "database"}))
	require.Len(t, runner.requests, 1)
	require.Equal(t, "database", runner.requests[0].Type)
	require.True(t, runner.requests[0].Compress)
	require.True(t, runner.deadline)
}

func TestRunJobReportsFailures(t *testing.T) {
	var buf bytes.Buffer
	runner := &fakeRunner{err: errors.New("disk full")}
	s, err := New(config.ScheduleConfig{}, runner, zerolog.New(&buf))
	require.NoError(t, err)

	err = s.RunJob(context.Background(), config.ScheduleJob{Name: "files", Type: "files"})
	require.ErrorContains(t, err, "disk full")
	require.False(t, runner.deadline)
	require.Contains(t, buf.String(), "scheduled backup failed")

	buf.Reset()
	runner.err = app.ErrOutsideWindow
	err = s.RunJob(context.Background(), config.ScheduleJob{Name: "files", Type: "files"})
	require.ErrorIs(t, err, app.ErrOutsideWindow)
	require.Contains(t, buf.String(), "outside backup window")
}

func TestRunStopsWithContext(t *testing.T) {
	s, err := New(config.ScheduleConfig{Jobs: config.DefaultJobs()}, &fakeRunner{}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
