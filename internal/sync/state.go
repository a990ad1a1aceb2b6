package sync

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

const stateFilename = "nexsync_state.json"

// Totals are the persisted outcome counts of the last run.
type Totals struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Cursor is the incremental-sync checkpoint.  LastSync is the maximum
// last-modified timestamp among assets transferred successfully;
// SeenAtCursor lists the identities observed at exactly that timestamp
// for the next run's tie-break.
type Cursor struct {
	LastSync     time.Time `json:"last_sync"`
	SeenAtCursor []string  `json:"seen_at_cursor,omitempty"`
	Totals       Totals    `json:"totals"`
}

// StateStore persists the sync cursor between runs.
type StateStore struct {
	dir string
}

// NewStateStore constructs a StateStore rooted at dir.
func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

func (s *StateStore) path() string {
	return filepath.Join(s.dir, stateFilename)
}

// Load reads the persisted cursor.  A missing or corrupt state file is
// a first run, not an error: the previous baseline simply does not
// exist, and treating it as fatal would wedge the tool permanently.
func (s *StateStore) Load() (*Cursor, error) {
	data, err := os.ReadFile(s.path())
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "StateStore.Load")
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		slog.Warn("sync state file is corrupt, starting a full sync", "path", s.path(), "error", err)
		return nil, nil
	}
	if cursor.LastSync.IsZero() {
		slog.Warn("sync state file has no cursor, starting a full sync", "path", s.path())
		return nil, nil
	}
	return &cursor, nil
}

// Save persists cursor atomically: the state is written to a temporary
// file in the same directory, renamed over the previous state, and the
// directory is fsynced.  A crash mid-write leaves the prior state
// intact.
func (s *StateStore) Save(cursor *Cursor) error {
	data, err := json.MarshalIndent(cursor, "", "  ")
	if err != nil {
		return errors.Wrap(err, "StateStore.Save")
	}

	f, err := os.CreateTemp(s.dir, "_state")
	if err != nil {
		return errors.Wrap(err, "StateStore.Save")
	}
	tmpName := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "StateStore.Save")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "StateStore.Save")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "StateStore.Save")
	}

	if err := os.Rename(tmpName, s.path()); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "StateStore.Save")
	}

	return DirSync(s.dir)
}
