package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nexsync/nexsync/internal/npm"
)

// Status classifies a per-asset transfer outcome.
type Status string

// Possible outcome statuses.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome records the result of one asset transfer.  Outcomes are
// append-only: once recorded they are never mutated.
type Outcome struct {
	Path         string
	Package      npm.Package
	Status       Status
	LastModified time.Time
	Bytes        int64
	Err          error
	Output       string // captured tool output, proxy mode
}

// Executor drives per-asset transfers for one run.  Mode is fixed at
// construction; assets within a batch are processed by a worker pool
// bounded by the semaphore.
type Executor struct {
	mode      string
	source    *RegistryClient
	target    *RegistryClient
	trigger   *CacheTrigger
	tempDir   string
	cleaner   *Cleaner
	settings  *Settings
	semaphore chan struct{}

	bytesDownloaded atomic.Int64
}

// NewExecutor creates an Executor.  mode must be ModeHosted or
// ModeProxy; trigger may be nil in hosted mode.
func NewExecutor(mode string, source, target *RegistryClient, trigger *CacheTrigger,
	tempDir string, cleaner *Cleaner, settings *Settings) *Executor {
	semaphore := make(chan struct{}, settings.MaxConns)
	for i := 0; i < settings.MaxConns; i++ {
		semaphore <- struct{}{}
	}

	return &Executor{
		mode:      mode,
		source:    source,
		target:    target,
		trigger:   trigger,
		tempDir:   tempDir,
		cleaner:   cleaner,
		settings:  settings,
		semaphore: semaphore,
	}
}

// BytesDownloaded reports the total bytes fetched so far (hosted mode).
func (e *Executor) BytesDownloaded() int64 {
	return e.bytesDownloaded.Load()
}

// ProcessBatch transfers every asset in batch and returns one outcome
// per asset, in input order.  Per-asset failures never abort the
// batch: the batch is fully drained even when the context is canceled
// mid-flight, so the caller always gets a complete ledger.
func (e *Executor) ProcessBatch(ctx context.Context, batch []AssetRecord) []Outcome {
	outcomes := make([]Outcome, len(batch))

	group := new(errgroup.Group)
	for i, record := range batch {
		i, record := i, record

		<-e.semaphore
		group.Go(func() error {
			defer func() { e.semaphore <- struct{}{} }()
			outcomes[i] = e.processAsset(ctx, record)
			return nil
		})
	}
	_ = group.Wait()

	return outcomes
}

func (e *Executor) processAsset(ctx context.Context, record AssetRecord) Outcome {
	outcome := Outcome{Path: record.Path, LastModified: record.LastModified}

	pkg, err := npm.ParseAssetPath(record.Path)
	if err != nil {
		slog.Info("skipping non-package asset", "path", record.Path, "reason", err)
		outcome.Status = StatusSkipped
		outcome.Err = err
		return outcome
	}
	outcome.Package = pkg

	switch e.mode {
	case ModeProxy:
		output, err := e.trigger.Trigger(ctx, pkg)
		outcome.Output = output
		if err != nil {
			outcome.Status = StatusFailed
			outcome.Err = errors.Mark(err, ErrCacheTriggerFailed)
			slog.Error("cache trigger failed", "spec", pkg.Spec(), "error", err)
			return outcome
		}
		slog.Debug("cache triggered", "spec", pkg.Spec())

	default: // hosted
		if err := e.transferHosted(ctx, record, pkg, &outcome); err != nil {
			outcome.Status = StatusFailed
			outcome.Err = err
			slog.Error("transfer failed", "path", record.Path, "error", err)
			return outcome
		}
		slog.Debug("transferred", "spec", pkg.Spec(), "bytes", outcome.Bytes)
	}

	outcome.Status = StatusSucceeded
	return outcome
}

// transferHosted downloads the asset body to the temp area and uploads
// it to the hosted target.  The temp file is always handed to the
// cleaner, including after partial downloads and failed uploads.
func (e *Executor) transferHosted(ctx context.Context, record AssetRecord, pkg npm.Package, outcome *Outcome) error {
	dest := filepath.Join(e.tempDir, npm.SanitizeFilename(pkg)+".tgz")
	defer e.cleaner.Remove(dest)

	written, err := e.source.Download(ctx, record, dest, e.settings.DownloadTimeout.Duration)
	e.bytesDownloaded.Add(written)
	if err != nil {
		return errors.Mark(err, ErrDownloadFailed)
	}
	outcome.Bytes = written

	if err := e.target.Upload(ctx, pkg, dest, e.settings.UploadTimeout.Duration); err != nil {
		return errors.Mark(err, ErrUploadFailed)
	}
	return nil
}
