// Package logging builds the zerolog logger shared by every command.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/config"
)

// Configure builds the process logger from the global config. Logs go to
// stderr so command output on stdout stays machine readable; when a log
// file is configured every entry is also appended there as JSON. The
// returned close func releases the file.
func Configure(cfg config.GlobalConfig) (zerolog.Logger, func() error, error) {
	var (
		file *os.File
		tee  io.Writer
	)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o750); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		file, tee = f, f
	}

	log := newLogger(os.Stderr, tee, cfg.LogLevel, cfg.LogFormat)
	ctx := log.With()
	if cfg.Environment != "" {
		ctx = ctx.Str("env", cfg.Environment)
	}
	if cfg.AppVersion != "" {
		ctx = ctx.Str("app_version", cfg.AppVersion)
	}

	closer := func() error { return nil }
	if file != nil {
		closer = file.Close
	}
	return ctx.Logger(), closer, nil
}

// New builds a logger writing to w only.
func New(w io.Writer, level, format string) zerolog.Logger {
	return newLogger(w, nil, level, format)
}

// Component tags log entries with the subsystem that produced them.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func newLogger(w io.Writer, file io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := w
	if strings.EqualFold(format, "console") {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	if file != nil {
		output = zerolog.MultiLevelWriter(output, file)
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(output).Level(lvl).With().Timestamp().Str("service", "vrb").Logger()
}
