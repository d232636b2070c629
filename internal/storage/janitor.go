package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var tempFilePattern = regexp.MustCompile(`\.tmp[0-9]+$`)

// Janitor removes upload temp files abandoned by interrupted uploads.
type Janitor struct {
	root   string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor sweeps below root; files younger than maxAge are left alone
// because an upload may still be writing them.
func NewJanitor(root string, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Janitor{root: root, maxAge: maxAge, logger: logger, now: time.Now}
}

// Sweep walks the root once and returns how many temp files it removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	err := filepath.WalkDir(j.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == j.root {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !tempFilePattern.MatchString(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			j.logger.Warn("storage: remove stale temp file failed", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if removed > 0 {
		j.logger.Info("storage: stale temp files removed", "count", removed)
	}
	return removed, err
}
