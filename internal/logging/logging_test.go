package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/vitalred/vrbackup/internal/config"
)

func TestNewJSONLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "json")

	log.Info().Msg("hidden")
	log.Warn().Str("backup_id", "b1").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["backup_id"] != "b1" || entry["service"] != "vrb" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "chatty", "json")
	log.Debug().Msg("debug")
	log.Info().Msg("info")
	if bytes.Contains(buf.Bytes(), []byte(`"debug"`)) || !bytes.Contains(buf.Bytes(), []byte(`"info"`)) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestConfigureAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vrb.log")
	log, closeFn, err := Configure(config.GlobalConfig{
		LogLevel:    "info",
		LogFormat:   "json",
		LogFile:     path,
		Environment: "staging",
		AppVersion:  "2.4.0",
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	scheduler := Component(log, "scheduler")
	scheduler.Info().Msg("tick")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("invalid json: %v (%s)", err, data)
	}
	if entry["component"] != "scheduler" || entry["env"] != "staging" || entry["app_version"] != "2.4.0" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
