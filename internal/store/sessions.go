package store

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daprelay/daprelay/internal/logger"
)

// SessionSnapshot is the recoverable surface of a session: enough to
// re-create it in the created state against the same project after a relay
// restart. The debuggee subprocess is never resurrected.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ProjectRoot string    `json:"project_root"`
	CreatedAt   time.Time `json:"created_at"`
	Watches     []string  `json:"watches"`
}

// SessionStore persists session snapshots at
// <data_dir>/sessions/<session_id>.json.
type SessionStore struct {
	dir string
}

// NewSessionStore creates a store rooted at dataDir.
func NewSessionStore(dataDir string) *SessionStore {
	return &SessionStore{dir: filepath.Join(dataDir, "sessions")}
}

func (s *SessionStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Snapshot writes (or rewrites) one session's snapshot.
func (s *SessionStore) Snapshot(snap SessionSnapshot) error {
	return WriteJSON(s.path(snap.ID), snap)
}

// Remove deletes a session's snapshot, reporting whether it existed.
func (s *SessionStore) Remove(id string) (bool, error) {
	return Delete(s.path(id))
}

// ListRecoverable returns every readable snapshot. Unparseable files are
// logged and skipped; one corrupt snapshot must not block recovery of the
// rest.
func (s *SessionStore) ListRecoverable() ([]SessionSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snaps []SessionSnapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var snap SessionSnapshot
		found, err := ReadJSON(filepath.Join(s.dir, entry.Name()), &snap)
		if err != nil {
			logger.Warn("skipping unreadable session snapshot", "file", entry.Name(), "error", err)
			continue
		}
		if found && snap.ID != "" {
			snaps = append(snaps, snap)
		}
	}
	return snaps, nil
}
