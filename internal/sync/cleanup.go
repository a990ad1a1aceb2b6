package sync

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	cleanupRetries = 3
	cleanupBackoff = 500 * time.Millisecond
)

// Cleaner removes temporary files best-effort.  Deletion can fail
// transiently on filesystems that keep handles open briefly after a
// write completes, so each removal is retried with a short backoff.
// A file that survives all attempts is logged and left in place:
// stale temp files are a housekeeping issue, not a sync failure.
type Cleaner struct {
	retries int
	backoff time.Duration
}

// NewCleaner creates a Cleaner with the default retry budget.
func NewCleaner() *Cleaner {
	return &Cleaner{retries: cleanupRetries, backoff: cleanupBackoff}
}

// Remove deletes path, retrying on failure.  Missing files are fine.
func (c *Cleaner) Remove(path string) {
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.backoff)
		}

		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return
		}
		if attempt < c.retries-1 {
			slog.Debug("retrying temp file removal", "file", path, "attempt", attempt+1, "error", err)
		} else {
			slog.Warn("could not remove temp file, leaving it in place", "file", path, "error", err)
		}
	}
}

// SweepDir removes leftover regular files from dir, typically remains
// of a previous crashed run.  The directory itself is kept.
func (c *Cleaner) SweepDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cannot sweep temp directory", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		slog.Debug("removing leftover temp file", "file", entry.Name())
		c.Remove(filepath.Join(dir, entry.Name()))
	}
}
