package util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// maxStderr bounds the tool output kept for error messages.
const maxStderr = 16 << 10

// RequireBinary verifies the binary is on PATH.
func RequireBinary(name string) error {
	_, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}

// HasBinary reports whether name resolves on PATH.
func HasBinary(name string) bool {
	return RequireBinary(name) == nil
}

// RunResult is what a finished subprocess left behind.
type RunResult struct {
	Stderr string
}

// Run executes name with extra environment entries, wiring stdin and stdout
// to the given streams (either may be nil) and keeping the tail of stderr.
func Run(ctx context.Context, name string, args []string, extraEnv []string, stdin io.Reader, stdout io.Writer) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// Tools inherit the process environment; extra entries win on conflict.
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	tail := &tailBuffer{limit: maxStderr}
	cmd.Stderr = tail
	err := cmd.Run()
	return RunResult{Stderr: tail.String()}, err
}

type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
