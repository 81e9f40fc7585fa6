// Package store persists per-project breakpoints and per-session snapshots
// as JSON files under the relay's data directory. Writes are atomic
// (temp file + fsync + rename) so a crash leaves either the prior or the
// new file intact, never a partial one.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daprelay/daprelay/internal/relayerr"
)

// ProjectKey derives a stable 16-hex identifier from a project root:
// absolute path, symlinks resolved, sha256, truncated. Two paths that
// resolve to the same directory get the same key.
func ProjectKey(projectRoot string) string {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		abs = projectRoot
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// WriteJSON atomically serializes v to path. Parent directories are
// created as needed; on failure the temp file is removed.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return relayerr.Wrap(relayerr.KindPersistenceWrite, err, "marshal %s", path)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return relayerr.Wrap(relayerr.KindPersistenceWrite, err, "mkdir for %s", path)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return relayerr.Wrap(relayerr.KindPersistenceWrite, err, "create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return relayerr.Wrap(relayerr.KindPersistenceWrite, err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return relayerr.Wrap(relayerr.KindPersistenceWrite, err, "fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return relayerr.Wrap(relayerr.KindPersistenceWrite, err, "close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return relayerr.Wrap(relayerr.KindPersistenceWrite, err, "rename %s", path)
	}
	return nil
}

// ReadJSON loads path into v. Returns (false, nil) when the file does not
// exist, and PERSISTENCE_INVALID_FORMAT when it exists but does not parse.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, relayerr.Wrap(relayerr.KindPersistenceFormat, err, "parse %s", path)
	}
	return true, nil
}

// Delete removes path, reporting whether it existed.
func Delete(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", path, err)
	}
	return true, nil
}
