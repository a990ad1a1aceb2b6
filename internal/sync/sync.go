package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
)

const lockFilename = ".lock"

// Options control a single synchronization run.
type Options struct {
	// DryRun lists what would be transferred without side effects.
	DryRun bool
	// Full ignores the persisted cursor and reprocesses everything.
	Full bool
	// Quiet suppresses the summary printout.
	Quiet bool
	// NoProgress disables the progress bar.
	NoProgress bool
	// Runner overrides the external command runner (tests); nil means
	// the real npm binary.
	Runner CommandRunner
}

// Summary is the user-visible result of a run.
type Summary struct {
	Mode            string
	Listed          int
	Filtered        int
	Succeeded       int
	Failed          int
	Skipped         int
	BytesDownloaded int64
	Duration        time.Duration
}

// RunContext carries the evolving state of one run: the selected mode,
// the outcome ledger, and the cursor to persist.  It is mutated only
// by the run-coordinating goroutine, between batches.
type RunContext struct {
	Config   *Config
	Mode     string
	Cursor   *Cursor
	Outcomes []Outcome
}

// Run executes one synchronization pass.
//
// Fatal errors (invalid config, unreachable source) abort before any
// state is persisted, so a failed run retries from the same baseline.
// Per-asset failures are recorded in the ledger and reported in the
// summary without stopping batch progression.
func Run(ctx context.Context, config *Config, opts Options) (*Summary, error) {
	started := time.Now()

	if err := config.Check(); err != nil {
		return nil, errors.Mark(err, ErrConfigInvalid)
	}

	if err := os.MkdirAll(config.StateDir, 0750); err != nil {
		return nil, errors.Mark(err, ErrConfigInvalid)
	}

	unlock, err := acquireRunLock(config.StateDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tempDir := config.DownloadDir()
	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, errors.Mark(err, ErrConfigInvalid)
	}

	cleaner := NewCleaner()
	// a prior crash may have left files behind
	cleaner.SweepDir(tempDir)

	source := NewRegistryClient(&config.Source, config.Settings.RequestTimeout.Duration)
	target := NewRegistryClient(&config.Target, config.Settings.RequestTimeout.Duration)

	if err := source.ValidateAccess(ctx); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "source"), ErrConfigInvalid)
	}

	mode, err := resolveMode(ctx, config, target)
	if err != nil {
		return nil, err
	}
	slog.Info("starting sync", "mode", mode,
		"source", config.Source.URL.Host+"/"+config.Source.Repository,
		"target", config.Target.URL.Host+"/"+config.Target.Repository)

	store := NewStateStore(config.StateDir)
	var cursor *Cursor
	if !opts.Full {
		cursor, err = store.Load()
		if err != nil {
			return nil, err
		}
	}
	if cursor == nil {
		slog.Info("full sync: no previous cursor")
	} else {
		slog.Info("incremental sync", "since", cursor.LastSync)
	}

	records, err := source.ListAssets(ctx, config.Settings.MaxPages)
	if err != nil {
		return nil, err
	}
	filtered := FilterSince(records, cursor)
	slog.Info("assets selected", "listed", len(records), "changed", len(filtered))

	summary := &Summary{Mode: mode, Listed: len(records), Filtered: len(filtered)}

	if len(filtered) == 0 {
		summary.Duration = time.Since(started)
		if !opts.Quiet {
			printSummary(summary)
		}
		return summary, nil
	}

	if opts.DryRun {
		for _, record := range filtered {
			fmt.Printf("would transfer %s (%s)\n", record.Path, formatBytes(uint64(record.Size)))
		}
		summary.Duration = time.Since(started)
		if !opts.Quiet {
			printSummary(summary)
		}
		return summary, nil
	}

	run := &RunContext{Config: config, Mode: mode, Cursor: cursor}

	var trigger *CacheTrigger
	if mode == ModeProxy {
		runner := opts.Runner
		if runner == nil {
			runner = ExecRunner{}
		}
		trigger = NewCacheTrigger(runner, &config.Target, tempDir, config.Settings.DownloadTimeout.Duration, cleaner)
	} else {
		if err := target.ValidateAccess(ctx); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "target"), ErrConfigInvalid)
		}
	}

	executor := NewExecutor(mode, source, target, trigger, tempDir, cleaner, &config.Settings)

	var bar *pb.ProgressBar
	if !opts.Quiet && !opts.NoProgress {
		bar = pb.StartNew(len(filtered))
	}

	batches := Partition(filtered, config.Settings.BatchSize)
	for i, batch := range batches {
		// abort between batches only; an in-flight batch drains fully
		if err := ctx.Err(); err != nil {
			slog.Warn("run canceled between batches", "completed_batches", i, "total_batches", len(batches))
			break
		}

		slog.Info("processing batch", "batch", i+1, "batches", len(batches), "assets", len(batch))
		outcomes := executor.ProcessBatch(ctx, batch)
		run.Outcomes = append(run.Outcomes, outcomes...)
		if bar != nil {
			bar.Add(len(batch))
		}

		if i < len(batches)-1 && config.Settings.BatchDelay.Duration > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(config.Settings.BatchDelay.Duration):
			}
		}
	}
	if bar != nil {
		bar.Finish()
	}

	tallyOutcomes(run.Outcomes, summary)
	summary.BytesDownloaded = executor.BytesDownloaded()
	summary.Duration = time.Since(started)

	// assets in batches never processed (cancellation) are pending
	pending := filtered[len(run.Outcomes):]
	newCursor := advanceCursor(cursor, run.Outcomes, pending, summary)
	if err := store.Save(newCursor); err != nil {
		return summary, errors.Wrap(err, "persist sync state")
	}
	run.Cursor = newCursor

	logFailures(run.Outcomes)
	if !opts.Quiet {
		printSummary(summary)
	}
	return summary, nil
}

// acquireRunLock takes the flock guarding the state directory so two
// runs cannot interleave cursor updates.
func acquireRunLock(stateDir string) (func(), error) {
	lockPath := filepath.Join(stateDir, lockFilename)
	file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE, 0644) // #nosec G304,G302 - path rooted in validated state_dir
	if err != nil {
		return nil, err
	}

	lock := Flock{file}
	if err := lock.Lock(); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "another sync is already running")
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to unlock run lock", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close run lock", "error", err)
		}
	}, nil
}

// resolveMode returns the transfer mode, probing the target registry
// when the config says "auto".
func resolveMode(ctx context.Context, config *Config, target *RegistryClient) (string, error) {
	mode := config.Target.Mode
	if mode != "" && mode != ModeAuto {
		return mode, nil
	}

	probed, err := target.RepositoryType(ctx)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "target"), ErrConfigInvalid)
	}
	switch probed {
	case ModeHosted, ModeProxy:
		return probed, nil
	}
	return "", errors.Mark(errors.Newf("target repository type %q is not syncable", probed), ErrConfigInvalid)
}

func tallyOutcomes(outcomes []Outcome, summary *Summary) {
	for _, outcome := range outcomes {
		switch outcome.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
		}
	}
}

// advanceCursor computes the cursor to persist: the maximum
// last-modified timestamp among successfully transferred assets, with
// the identities seen at exactly that timestamp for the next run's
// tie-break.  The advance is capped at the earliest failed or
// unprocessed asset, so those assets are selected again on the next
// run at the cost of retransferring anything newer that already
// succeeded.  The cursor never regresses; with no successes it is the
// previous cursor unchanged.
func advanceCursor(previous *Cursor, outcomes []Outcome, pending []AssetRecord, summary *Summary) *Cursor {
	next := &Cursor{
		Totals: Totals{
			Succeeded: summary.Succeeded,
			Failed:    summary.Failed,
			Skipped:   summary.Skipped,
		},
	}
	if previous != nil {
		next.LastSync = previous.LastSync
		next.SeenAtCursor = previous.SeenAtCursor
	}

	var target time.Time
	for _, outcome := range outcomes {
		if outcome.Status == StatusSucceeded && outcome.LastModified.After(target) {
			target = outcome.LastModified
		}
	}
	if target.IsZero() {
		return next
	}

	for _, outcome := range outcomes {
		if outcome.Status == StatusFailed && !outcome.LastModified.IsZero() && outcome.LastModified.Before(target) {
			target = outcome.LastModified
		}
	}
	for _, record := range pending {
		if !record.LastModified.IsZero() && record.LastModified.Before(target) {
			target = record.LastModified
		}
	}

	if target.Before(next.LastSync) {
		return next
	}
	if target.After(next.LastSync) {
		next.LastSync = target
		next.SeenAtCursor = nil
	}
	for _, outcome := range outcomes {
		if outcome.Status == StatusSucceeded && outcome.LastModified.Equal(next.LastSync) {
			next.SeenAtCursor = append(next.SeenAtCursor, outcome.Path)
		}
	}
	return next
}

func logFailures(outcomes []Outcome) {
	for _, outcome := range outcomes {
		if outcome.Status != StatusFailed {
			continue
		}
		if outcome.Output != "" {
			slog.Error("asset failed", "path", outcome.Path, "error", outcome.Err, "tool_output", outcome.Output)
		} else {
			slog.Error("asset failed", "path", outcome.Path, "error", outcome.Err)
		}
	}
}

func printSummary(summary *Summary) {
	fmt.Println()
	fmt.Println("=== Sync Summary ===")
	fmt.Printf("Mode:       %s\n", summary.Mode)
	fmt.Printf("Listed:     %d assets\n", summary.Listed)
	fmt.Printf("Changed:    %d assets\n", summary.Filtered)
	fmt.Printf("Succeeded:  %d\n", summary.Succeeded)
	fmt.Printf("Failed:     %d\n", summary.Failed)
	fmt.Printf("Skipped:    %d\n", summary.Skipped)
	if summary.BytesDownloaded > 0 {
		fmt.Printf("Downloaded: %s\n", formatBytes(uint64(summary.BytesDownloaded)))
	}
	fmt.Printf("Duration:   %s\n", summary.Duration.Round(time.Millisecond))
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(bytes uint64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	unitIndex := 0

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}

	if unitIndex == 0 {
		return fmt.Sprintf("%.0f %s", size, units[unitIndex])
	}
	return fmt.Sprintf("%.2f %s", size, units[unitIndex])
}
