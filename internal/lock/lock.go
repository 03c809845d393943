// Package lock serializes backup, restore and prune runs across processes.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// DefaultName is the lock file used when no path is configured.
const DefaultName = "vrb.lock"

// ErrBusy is returned when another run holds the lock. Holder is the owner
// line recorded by that run, if it could be read.
type ErrBusy struct {
	Path   string
	Holder string
}

func (e *ErrBusy) Error() string {
	msg := fmt.Sprintf("another backup, restore or prune is already running (lock: %s", e.Path)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + ")"
}

type Lock struct {
	file *flock.Flock
	path string
}

// Acquire takes the lock at path without blocking and records the owning
// pid in the file.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), DefaultName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, &ErrBusy{Path: path, Holder: readHolder(path)}
	}
	owner := "pid " + strconv.Itoa(os.Getpid()) + " since " + time.Now().UTC().Format(time.RFC3339)
	_ = os.WriteFile(path, []byte(owner+"\n"), 0o600)
	return &Lock{file: fl, path: path}, nil
}

func (l *Lock) Path() string { return l.path }

// Release clears the owner line and frees the lock. It is safe on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Truncate(l.path, 0)
	return l.file.Unlock()
}

func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
