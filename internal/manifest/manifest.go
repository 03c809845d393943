// Package manifest builds, persists and verifies backup_manifest.json, the
// document that travels inside every backup and lists each staged file with
// its SHA-256 checksum.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/vitalred/vrbackup/internal/version"
)

const (
	FileName = "backup_manifest.json"

	// ModifiedLayout formats backup_contents[].modified.
	ModifiedLayout = "2006-01-02 15:04:05"
	// CreatedLayout formats backup_info.created_at (UTC, microseconds).
	CreatedLayout = "2006-01-02T15:04:05.000000Z07:00"
)

const (
	SourceDatabase = "database"
	SourceFiles    = "files"
	SourceConfig   = "config"
)

// Manifest is the on-disk document. The first four keys are a fixed
// contract shared with existing archives; sources is optional.
type Manifest struct {
	BackupInfo     BackupInfo        `json:"backup_info"`
	SystemInfo     SystemInfo        `json:"system_info"`
	BackupContents []Content         `json:"backup_contents"`
	Checksums      map[string]string `json:"checksums"`
	Sources        []Source          `json:"sources,omitempty"`
}

type BackupInfo struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	CreatedAt   string        `json:"created_at"`
	Version     string        `json:"version"`
	Environment string        `json:"environment"`
	Compressed  bool          `json:"compressed"`
	Encrypted   bool          `json:"encrypted"`
	Database    *DatabaseInfo `json:"database,omitempty"`
}

// DatabaseInfo records how the database component was dumped.
type DatabaseInfo struct {
	Driver   string `json:"driver"`
	Database string `json:"database"`
	File     string `json:"file"`
	Format   string `json:"format"`
}

type SystemInfo struct {
	GoVersion      string `json:"go_version"`
	ToolVersion    string `json:"tool_version"`
	DatabaseDriver string `json:"database_driver"`
	ServerOS       string `json:"server_os"`
	ServerArch     string `json:"server_arch"`
	Hostname       string `json:"hostname"`
}

type Content struct {
	File     string `json:"file"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// Source ties a directory or file inside the backup (Target, relative to
// the backup root) to the location it was collected from (Path).
type Source struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Target string `json:"target"`
	IsDir  bool   `json:"is_dir"`
}

// Entry is the joined view of one file: its content record and checksum.
type Entry struct {
	RelativePath string
	SizeBytes    int64
	ModifiedAt   time.Time
	Checksum     string
}

// Entries joins backup_contents with checksums, in manifest order.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, 0, len(m.BackupContents))
	for _, c := range m.BackupContents {
		modified, _ := time.ParseInLocation(ModifiedLayout, c.Modified, time.Local)
		out = append(out, Entry{
			RelativePath: c.File,
			SizeBytes:    c.Size,
			ModifiedAt:   modified,
			Checksum:     m.Checksums[c.File],
		})
	}
	return out
}

// TotalSize is the sum of all recorded file sizes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, c := range m.BackupContents {
		total += c.Size
	}
	return total
}

// Created parses backup_info.created_at.
func (m *Manifest) Created() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, m.BackupInfo.CreatedAt)
}

// SourcesOfKind filters the recorded sources.
func (m *Manifest) SourcesOfKind(kind string) []Source {
	var out []Source
	for _, s := range m.Sources {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// CurrentSystem describes the host producing a backup.
func CurrentSystem(driver string) SystemInfo {
	host, _ := os.Hostname()
	return SystemInfo{
		GoVersion:      runtime.Version(),
		ToolVersion:    version.Version,
		DatabaseDriver: driver,
		ServerOS:       runtime.GOOS,
		ServerArch:     runtime.GOARCH,
		Hostname:       host,
	}
}

// Marshal renders m exactly as it is stored on disk.
func Marshal(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Write stores m as root/backup_manifest.json. The file appears atomically.
func Write(root string, m *Manifest) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	target := filepath.Join(root, FileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Read loads root/backup_manifest.json.
func Read(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.BackupInfo.Type == "" {
		return nil, errors.New("decode manifest: backup_info.type is missing")
	}
	if m.Checksums == nil {
		m.Checksums = map[string]string{}
	}
	return &m, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
