package sync

import "github.com/cockroachdb/errors"

// Error kinds used to classify failures across the engine.  Fatal
// kinds abort the run before any state is persisted; per-asset kinds
// are recorded in the outcome ledger and never stop batch progression.
var (
	// ErrConfigInvalid marks pre-run configuration or credential
	// failures.  Fatal.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrSourceUnavailable marks a source listing failure after the
	// retry budget is exhausted.  Fatal.
	ErrSourceUnavailable = errors.New("source registry unavailable")

	// ErrDownloadFailed marks a per-asset download or checksum failure.
	ErrDownloadFailed = errors.New("download failed")

	// ErrUploadFailed marks a per-asset upload failure against a
	// hosted target.
	ErrUploadFailed = errors.New("upload failed")

	// ErrCacheTriggerFailed marks a per-asset proxy cache-trigger
	// failure.
	ErrCacheTriggerFailed = errors.New("cache trigger failed")
)
