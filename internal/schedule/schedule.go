// Package schedule runs configured backup jobs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/app"
	"github.com/vitalred/vrbackup/internal/collect"
	"github.com/vitalred/vrbackup/internal/config"
)

// Runner is the part of app.App the scheduler drives.
type Runner interface {
	DefaultBackupRequest() app.BackupRequest
	BackupWithRetry(ctx context.Context, req app.BackupRequest) (*app.BackupResult, error)
}

type Entry struct {
	Name string
	Cron string
	Type string
	Next time.Time
}

type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	log     zerolog.Logger
	jobs    map[cron.EntryID]config.ScheduleJob
}

// New registers every job in cfg. Overlapping runs of the same job are
// skipped and a panicking job is recovered.
func New(cfg config.ScheduleConfig, runner Runner, log zerolog.Logger) (*Scheduler, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
	}
	logger := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		runner:  runner,
		timeout: cfg.JobTimeout,
		log:     log,
		jobs:    map[cron.EntryID]config.ScheduleJob{},
	}
	for _, job := range cfg.Jobs {
		if !collect.IncludesDatabase(job.Type) && !collect.IncludesFiles(job.Type) {
			return nil, fmt.Errorf("job %s: unknown backup type %q", job.Name, job.Type)
		}
		id, err := s.cron.AddFunc(job.Cron, s.jobFunc(job))
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid cron expression %q: %w", job.Name, job.Cron, err)
		}
		s.jobs[id] = job
	}
	return s, nil
}

// Entries lists the registered jobs with their next activation. Next is
// zero until the scheduler has started.
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, e := range s.cron.Entries() {
		job := s.jobs[e.ID]
		out = append(out, Entry{Name: job.Name, Cron: job.Cron, Type: job.Type, Next: e.Next})
	}
	return out
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	for _, e := range s.Entries() {
		s.log.Info().Str("job", e.Name).Str("cron", e.Cron).Str("type", e.Type).Time("next", e.Next).Msg("job scheduled")
	}
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopping, waiting for running jobs")
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) jobFunc(job config.ScheduleJob) func() {
	return func() {
		_ = s.RunJob(context.Background(), job)
	}
}

// RunJob performs one scheduled backup under the job timeout.
func (s *Scheduler) RunJob(ctx context.Context, job config.ScheduleJob) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	log := s.log.With().Str("job", job.Name).Str("type", job.Type).Logger()
	req := s.runner.DefaultBackupRequest()
	req.Type = job.Type

	log.Info().Msg("scheduled backup starting")
	res, err := s.runner.BackupWithRetry(ctx, req)
	switch {
	case errors.Is(err, app.ErrOutsideWindow):
		log.Info().Msg("outside backup window, skipped")
		return err
	case err != nil:
		log.Error().Err(err).Msg("scheduled backup failed")
		return err
	}
	log.Info().Str("backup_id", res.BackupID).Str("size", res.SizeHuman).Msg("scheduled backup finished")
	return nil
}

// cronLogger routes cron's own messages to zerolog. Routine scheduling
// chatter goes to debug.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
