// Package apperr holds the typed failures raised by the backup pipeline.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindDatabaseBackup Kind = "database_backup"
	// KindArchive covers both packing the staging directory and sealing the
	// archive; the cipher stage reports Stage == StageEncrypt.
	KindArchive    Kind = "archive"
	KindDecryption Kind = "decryption"
	KindIntegrity  Kind = "integrity"
	KindRestore    Kind = "restore"
)

// StageEncrypt is the Stage of archive errors raised while sealing.
const StageEncrypt = "encrypt"

// Error is a pipeline stage failure. Detail carries tool output such as
// the stderr of a dump utility.
type Error struct {
	Kind     Kind
	BackupID string
	Stage    string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.BackupID != "" {
		fmt.Fprintf(&b, " [%s]", e.BackupID)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " during %s", e.Stage)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func Newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func DatabaseBackup(stage string, err error) *Error { return New(KindDatabaseBackup, stage, err) }
func Archive(stage string, err error) *Error        { return New(KindArchive, stage, err) }
func Decryption(stage string, err error) *Error     { return New(KindDecryption, stage, err) }
func Integrity(stage string, err error) *Error      { return New(KindIntegrity, stage, err) }
func Restore(stage string, err error) *Error        { return New(KindRestore, stage, err) }

// WithDetail attaches tool output to the error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithBackup tags err with a backup id when it is (or wraps) an *Error
// that has none yet. Other errors are returned unchanged.
func WithBackup(err error, id string) error {
	var e *Error
	if errors.As(err, &e) && e.BackupID == "" {
		e.BackupID = id
	}
	return err
}

// Is reports whether err is, or wraps, a pipeline error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of the outermost pipeline error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a failed run may be attempted again.
// Corruption and key failures are never transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindIntegrity, KindDecryption:
		return false
	}
	return true
}
