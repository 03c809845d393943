package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/vitalred/vrbackup/internal/apperr"
)

type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeMissingFile     Outcome = "missing_file"
	OutcomeMismatch        Outcome = "checksum_mismatch"
	OutcomeUnreadable      Outcome = "unreadable"
	OutcomeInvalidPath     Outcome = "invalid_path"
	OutcomeMissingChecksum Outcome = "missing_checksum"
)

// Result is the verification outcome for one manifest entry.
type Result struct {
	File     string  `json:"file"`
	Outcome  Outcome `json:"outcome"`
	Expected string  `json:"expected,omitempty"`
	Actual   string  `json:"actual,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Report lists one Result per checked entry, sorted by path.
type Report struct {
	BackupID string   `json:"backup_id"`
	Results  []Result `json:"results"`
}

// Verified is true when every entry passed.
func (r *Report) Verified() bool {
	return len(r.Problems()) == 0
}

// Problems returns the failed entries only.
func (r *Report) Problems() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome != OutcomeOK {
			out = append(out, res)
		}
	}
	return out
}

// Err summarizes the problems as an integrity error, or nil when verified.
func (r *Report) Err() error {
	problems := r.Problems()
	if len(problems) == 0 {
		return nil
	}
	const shown = 5
	parts := make([]string, 0, shown)
	for i, p := range problems {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(problems)-shown))
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %s", p.File, p.Outcome))
	}
	err := apperr.Integrity("verify", fmt.Errorf("%d of %d files failed verification (%s)", len(problems), len(r.Results), strings.Join(parts, "; ")))
	err.BackupID = r.BackupID
	return err
}

// Verify recomputes the checksum of every entry below root. It never stops
// at the first problem; the returned error is only set when ctx ends.
func Verify(ctx context.Context, root string, m *Manifest, parallelism int) (*Report, error) {
	keys := sortedKeys(m.Checksums)
	results := make([]Result, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallelism, 1))
	for i, rel := range keys {
		g.Go(func() error {
			results[i] = verifyOne(gctx, root, rel, m.Checksums[rel])
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, c := range m.BackupContents {
		if _, ok := m.Checksums[c.File]; !ok {
			results = append(results, Result{File: c.File, Outcome: OutcomeMissingChecksum})
		}
	}
	return &Report{BackupID: m.BackupInfo.Name, Results: results}, nil
}

func verifyOne(ctx context.Context, root, rel, expected string) Result {
	res := Result{File: rel, Expected: expected}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		res.Outcome = OutcomeInvalidPath
		return res
	}
	actual, err := HashFile(ctx, filepath.Join(root, local))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		res.Outcome = OutcomeMissingFile
	case err != nil:
		res.Outcome = OutcomeUnreadable
		res.Error = err.Error()
	case !strings.EqualFold(actual, expected):
		res.Outcome = OutcomeMismatch
		res.Actual = actual
	default:
		res.Outcome = OutcomeOK
		res.Actual = actual
	}
	return res
}
